package models

// Candle представляет свечу. Время в миллисекундах Unix, как отдаёт биржа
type Candle struct {
	OpenTime  int64   `json:"openTime"`
	CloseTime int64   `json:"closeTime"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
	IsFinal   bool    `json:"isFinal"`
}

// Bands полосы Боллинджера
type Bands struct {
	Upper  float64 `json:"upper"`
	Middle float64 `json:"middle"`
	Lower  float64 `json:"lower"`
}

// Indicators последние рассчитанные значения индикаторов.
// nil означает, что истории пока недостаточно
type Indicators struct {
	RSI       *float64 `json:"rsi"`
	EMA       *float64 `json:"ema"`
	BB        *Bands   `json:"bb"`
	SMAVolume *float64 `json:"smaVolume"`
}

// Side направление позиции
type Side string

const (
	SideNone  Side = "NONE"
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// Opposite возвращает противоположное направление
func (s Side) Opposite() Side {
	switch s {
	case SideLong:
		return SideShort
	case SideShort:
		return SideLong
	default:
		return SideNone
	}
}

// Strategy идентификатор стратегии
type Strategy string

const (
	TrendFollowing Strategy = "TrendFollowing"
	MeanReversion  Strategy = "MeanReversion"
	Breakout       Strategy = "Breakout"
	AIPrediction   Strategy = "AI_Prediction"
)

// StrategyConfig параметры стратегии. Снимок замораживается в позиции при входе
type StrategyConfig struct {
	Enabled                     bool    `yaml:"enabled" json:"enabled"`
	RSIPeriod                   int     `yaml:"rsi_period" json:"rsiPeriod"`
	RSIOversold                 float64 `yaml:"rsi_oversold" json:"rsiOversold"`
	RSIOverbought               float64 `yaml:"rsi_overbought" json:"rsiOverbought"`
	EMAPeriod                   int     `yaml:"ema_period" json:"emaPeriod"`
	BollingerPeriod             int     `yaml:"bollinger_period" json:"bollingerPeriod"`
	BollingerStdDev             float64 `yaml:"bollinger_std_dev" json:"bollingerStdDev"`
	VolumeSMAPeriod             int     `yaml:"volume_sma_period" json:"volumeSmaPeriod"`
	MinVolumeSpike              float64 `yaml:"min_volume_spike" json:"minVolumeSpike"`
	TakeProfitPercent           float64 `yaml:"take_profit_percent" json:"takeProfitPercent"`
	StopLossPercent             float64 `yaml:"stop_loss_percent" json:"stopLossPercent"`
	TrailingStopPercent         float64 `yaml:"trailing_stop_percent" json:"trailingStopPercent"`
	MaxOperationDurationMinutes int     `yaml:"max_operation_duration_minutes" json:"maxOperationDurationMinutes"`
	UseInvalidationExit         bool    `yaml:"use_invalidation_exit" json:"useInvalidationExit"`
}

// Position открытая позиция по символу. Side == SideNone означает отсутствие позиции
type Position struct {
	Symbol            string          `json:"symbol"`
	Side              Side            `json:"side"`
	EntryPrice        float64         `json:"entryPrice"`
	Quantity          float64         `json:"quantity"`
	EntryFee          float64         `json:"entryFee"`
	Strategy          Strategy        `json:"activeStrategy"`
	StrategyConfig    *StrategyConfig `json:"activeStrategyConfig"`
	OpenTime          int64           `json:"openTime"`
	MaxDurationMs     int64           `json:"maxDurationMs"`
	TrailingActive    bool            `json:"trailingActive"`
	TrailingStopPrice *float64        `json:"trailingStopPrice"`
	StopOrderID       int64           `json:"stopOrderId,omitempty"`
	TakeOrderID       int64           `json:"takeOrderId,omitempty"`
	AIConfirmed       bool            `json:"aiConfirmed,omitempty"`
}

// IsOpen сообщает, есть ли открытая позиция
func (p *Position) IsOpen() bool {
	return p != nil && p.Side != SideNone && p.Side != ""
}

// Signal результат одного цикла принятия решения. Не сохраняется
type Signal struct {
	Side        Side
	Strategy    Strategy
	Config      StrategyConfig
	AIConfirmed bool
}

// CloseReason причина закрытия позиции
type CloseReason string

const (
	ReasonNone         CloseReason = ""
	ReasonTrailingStop CloseReason = "TRAILING_STOP_HIT"
	ReasonMaxDuration  CloseReason = "MAX_DURATION_REACHED"
	ReasonAIExit       CloseReason = "AI_EXIT_SIGNAL"
	ReasonInvalidation CloseReason = "INVALIDATION"
	ReasonExchange     CloseReason = "CLOSED_ON_EXCHANGE"
)

// Mode режим работы бота
type Mode string

const (
	ModeFullTrading    Mode = "FULL_TRADING"
	ModeManagementOnly Mode = "MANAGEMENT_ONLY"
)

// Trade закрытая сделка для журнала
type Trade struct {
	Symbol     string
	Side       Side
	Strategy   Strategy
	Reason     CloseReason
	EntryPrice float64
	ExitPrice  float64
	Quantity   float64
	EntryFee   float64
	ExitFee    float64
	PnL        float64
	OpenTime   int64
	CloseTime  int64
}
