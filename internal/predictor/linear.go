package predictor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/skalibog/mtabot/internal/analysis/technical"
	"github.com/skalibog/mtabot/internal/config"
	"github.com/skalibog/mtabot/internal/storage"
	"github.com/skalibog/mtabot/pkg/logger"
	"github.com/skalibog/mtabot/pkg/models"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ErrInsufficientData данных для обучения пока недостаточно
var ErrInsufficientData = errors.New("недостаточно данных для обучения")

const (
	lookAheadCandles = 3
	profitThreshold  = 0.005
	lossThreshold    = -0.005

	signalThreshold = 0.5
	maxConfidence   = 95.0

	exitProfitTarget = 1.0
	exitCutLoss      = -0.5
	rsiExtremeHigh   = 80.0
	rsiExtremeLow    = 20.0
)

// Config параметры обучения
type Config struct {
	LearningRate       float64
	Epochs             int
	MinDataForTraining int
	MaxDataPoints      int
}

// ConfigFrom переводит настройки модуля в параметры модели
func ConfigFrom(cfg config.AIModuleConfig) Config {
	c := Config{
		LearningRate:       cfg.LearningRate,
		Epochs:             cfg.Epochs,
		MinDataForTraining: cfg.MinDataForTraining,
		MaxDataPoints:      cfg.MaxDataPoints,
	}
	if c.LearningRate <= 0 {
		c.LearningRate = 0.001
	}
	if c.Epochs <= 0 {
		c.Epochs = 1
	}
	if c.MinDataForTraining <= 0 {
		c.MinDataForTraining = 200
	}
	if c.MaxDataPoints <= 0 {
		c.MaxDataPoints = 10000
	}
	return c
}

// Model веса линейной модели, общие для всех пар
type Model struct {
	Weights   map[Feature]float64 `json:"weights"`
	Bias      float64             `json:"bias"`
	TrainedAt int64               `json:"trainedAt"`
}

func newModel() Model {
	w := make(map[Feature]float64, len(Features))
	for _, f := range Features {
		w[f] = 0
	}
	return Model{Weights: w}
}

// Linear онлайн-обучаемая линейная модель.
// Нормализация признаков своя для каждой пары символ/таймфрейм
type Linear struct {
	mu    sync.RWMutex
	cfg   Config
	calc  *technical.Calculator
	store storage.Store
	model Model
	data  map[string][]DataPoint
	stats map[string]Stats
	ready bool
}

// NewLinear создает модель. store может быть nil: тогда модель не сохраняется
func NewLinear(cfg Config, store storage.Store) *Linear {
	return &Linear{
		cfg:   cfg,
		calc:  technical.NewCalculator(technical.DefaultPeriods()),
		store: store,
		model: newModel(),
		data:  make(map[string][]DataPoint),
		stats: make(map[string]Stats),
	}
}

func pairKey(symbol, timeframe string) string {
	return symbol + "_" + timeframe
}

// IsReady модель обучена
func (l *Linear) IsReady() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.ready
}

// Collect добавляет точку по закрытой свече. false, если точка уже была
func (l *Linear) Collect(symbol, timeframe string, c models.Candle, ind models.Indicators, prev *models.Candle) bool {
	dp := NewDataPoint(c, ind, prev)

	l.mu.Lock()
	defer l.mu.Unlock()
	return l.addLocked(pairKey(symbol, timeframe), dp)
}

// CollectHistory добавляет исторические свечи, рассчитывая индикаторы для каждой
func (l *Linear) CollectHistory(symbol, timeframe string, candles []models.Candle) int {
	if len(candles) == 0 {
		return 0
	}
	indicators := l.calc.ComputeSeries(candles)

	l.mu.Lock()
	defer l.mu.Unlock()

	key := pairKey(symbol, timeframe)
	added := 0
	for i, c := range candles {
		var prev *models.Candle
		if i > 0 {
			prev = &candles[i-1]
		}
		if l.addLocked(key, NewDataPoint(c, indicators[i], prev)) {
			added++
		}
	}
	return added
}

// addLocked вставляет точку с сохранением порядка по времени и без дубликатов
func (l *Linear) addLocked(key string, dp DataPoint) bool {
	points := l.data[key]
	i := sort.Search(len(points), func(i int) bool { return points[i].Timestamp >= dp.Timestamp })
	if i < len(points) && points[i].Timestamp == dp.Timestamp {
		return false
	}

	points = append(points, DataPoint{})
	copy(points[i+1:], points[i:])
	points[i] = dp

	if len(points) > l.cfg.MaxDataPoints {
		points = points[len(points)-l.cfg.MaxDataPoints:]
	}
	l.data[key] = points
	return true
}

// DataCount число собранных точек пары
func (l *Linear) DataCount(symbol, timeframe string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.data[pairKey(symbol, timeframe)])
}

// MinDataForTraining минимальное число точек для обучения
func (l *Linear) MinDataForTraining() int {
	return l.cfg.MinDataForTraining
}

// Train пересчитывает нормализацию и обучает модель градиентным спуском.
// Метка: изменение цены через lookAheadCandles свечей за пределами ±0.5%
func (l *Linear) Train(ctx context.Context) error {
	l.mu.Lock()

	total := 0
	for _, points := range l.data {
		total += len(points)
	}
	if total < l.cfg.MinDataForTraining {
		l.mu.Unlock()
		return fmt.Errorf("%w: %d из %d точек", ErrInsufficientData, total, l.cfg.MinDataForTraining)
	}

	keys := make([]string, 0, len(l.data))
	for k, points := range l.data {
		if len(points) > 0 {
			l.stats[k] = computeStats(points)
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var loss float64
	var samples int
	for epoch := 0; epoch < l.cfg.Epochs; epoch++ {
		loss, samples = 0, 0
		for _, k := range keys {
			points, stats := l.data[k], l.stats[k]
			for i := 0; i+lookAheadCandles < len(points); i++ {
				cur, future := points[i], points[i+lookAheadCandles]
				if cur.Close == 0 {
					continue
				}
				label := labelFor((future.Close - cur.Close) / cur.Close)
				x := vector(cur, stats)

				err := label - l.scoreLocked(x)
				l.model.Bias += l.cfg.LearningRate * err
				for f, v := range x {
					l.model.Weights[f] += l.cfg.LearningRate * err * v
				}
				loss += err * err
				samples++
			}
		}
	}

	l.model.TrainedAt = time.Now().UnixMilli()
	l.ready = true
	l.mu.Unlock()

	mse := 0.0
	if samples > 0 {
		mse = loss / float64(samples)
	}
	logger.Info("Модель предсказателя обучена",
		zap.Int("points", total),
		zap.Int("samples", samples),
		zap.Int("epochs", l.cfg.Epochs),
		zap.Float64("mse", mse))

	if err := l.Save(ctx); err != nil {
		logger.Error("Ошибка сохранения модели предсказателя", zap.Error(err))
	}
	return nil
}

func labelFor(change float64) float64 {
	switch {
	case change >= profitThreshold:
		return 1
	case change <= lossThreshold:
		return -1
	default:
		return 0
	}
}

func (l *Linear) scoreLocked(x map[Feature]float64) float64 {
	s := l.model.Bias
	for f, v := range x {
		s += l.model.Weights[f] * v
	}
	return s
}

// Predict прогноз направления по последним свечам пары
func (l *Linear) Predict(symbol, timeframe string, candles []models.Candle) *Prediction {
	if len(candles) < 2 {
		return nil
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if !l.ready {
		return nil
	}
	stats, ok := l.stats[pairKey(symbol, timeframe)]
	if !ok {
		return nil
	}

	last, prev := candles[len(candles)-1], candles[len(candles)-2]
	dp := NewDataPoint(last, l.calc.Compute(candles), &prev)
	return classify(l.scoreLocked(vector(dp, stats)))
}

// classify переводит оценку в действие с уверенностью
func classify(score float64) *Prediction {
	switch {
	case score > signalThreshold:
		return &Prediction{Action: ActionLong, Confidence: confidence(score)}
	case score < -signalThreshold:
		return &Prediction{Action: ActionShort, Confidence: confidence(-score)}
	default:
		return &Prediction{Action: ActionHold, Confidence: 50}
	}
}

func confidence(score float64) float64 {
	c := math.Min(maxConfidence, 50+(score-signalThreshold)*100)
	return math.Round(c*100) / 100
}

// PredictExit рекомендует закрыть позицию при достижении цели по прибыли
// или убытку на экстремальном RSI
func (l *Linear) PredictExit(symbol, timeframe string, candles []models.Candle, pos models.Position) *ExitPrediction {
	if len(candles) < 2 || pos.EntryPrice == 0 || !l.IsReady() {
		return nil
	}

	price := candles[len(candles)-1].Close
	pnl := (price - pos.EntryPrice) / pos.EntryPrice * 100
	if pos.Side == models.SideShort {
		pnl = -pnl
	}

	rsi := l.calc.Compute(candles).RSI
	if rsi == nil {
		return nil
	}

	switch pos.Side {
	case models.SideLong:
		if pnl >= exitProfitTarget && *rsi > rsiExtremeHigh {
			return &ExitPrediction{Action: ActionClose, Reason: "AI_PROFIT_TAKE_OVERBOUGHT", Confidence: 90}
		}
		if pnl <= exitCutLoss && *rsi < rsiExtremeLow {
			return &ExitPrediction{Action: ActionClose, Reason: "AI_CUT_LOSS_OVERSOLD", Confidence: 77.5}
		}
	case models.SideShort:
		if pnl >= exitProfitTarget && *rsi < rsiExtremeLow {
			return &ExitPrediction{Action: ActionClose, Reason: "AI_PROFIT_TAKE_OVERSOLD", Confidence: 90}
		}
		if pnl <= exitCutLoss && *rsi > rsiExtremeHigh {
			return &ExitPrediction{Action: ActionClose, Reason: "AI_CUT_LOSS_OVERBOUGHT", Confidence: 77.5}
		}
	}
	return nil
}

// Save сохраняет модель, статистику и данные
func (l *Linear) Save(ctx context.Context) error {
	if l.store == nil {
		return nil
	}

	l.mu.RLock()
	model := Model{Weights: make(map[Feature]float64, len(l.model.Weights)), Bias: l.model.Bias, TrainedAt: l.model.TrainedAt}
	for f, w := range l.model.Weights {
		model.Weights[f] = w
	}
	stats := make(map[string]Stats, len(l.stats))
	for k, s := range l.stats {
		stats[k] = s
	}
	data := make(map[string][]DataPoint, len(l.data))
	for k, points := range l.data {
		data[k] = append([]DataPoint(nil), points...)
	}
	l.mu.RUnlock()

	errs := multierr.Combine(
		l.store.Save(ctx, storage.KeyAIModel, model),
		l.store.Save(ctx, storage.KeyAIStats, stats),
	)

	// точки каждой пары пишутся отдельными частями, оглавление хранит список пар
	index := dataIndex{Pairs: make([]string, 0, len(data))}
	for k, points := range data {
		if err := storage.SaveChunked(ctx, l.store, dataKey(k), points, dataChunkSize); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		index.Pairs = append(index.Pairs, k)
	}
	sort.Strings(index.Pairs)
	return multierr.Append(errs, l.store.Save(ctx, storage.KeyAIData, index))
}

// dataChunkSize точек в одной части документа, около 350 КБ в JSON
const dataChunkSize = 1000

type dataIndex struct {
	Pairs []string `json:"pairs"`
}

// dataKey ключ точек пары: ai_data_<SYMBOL>_<tf>
func dataKey(pair string) string {
	symbol, timeframe, _ := strings.Cut(pair, "_")
	return storage.SeriesKey(storage.KeyAIData, symbol, timeframe)
}

// Load восстанавливает сохранённое состояние. Обученная модель сразу готова
func (l *Linear) Load(ctx context.Context) error {
	if l.store == nil {
		return nil
	}

	var (
		model Model
		stats map[string]Stats
		index dataIndex
		errs  error
	)
	for key, out := range map[string]interface{}{
		storage.KeyAIModel: &model,
		storage.KeyAIStats: &stats,
		storage.KeyAIData:  &index,
	} {
		if err := l.store.Load(ctx, key, out); err != nil && !errors.Is(err, storage.ErrNotFound) {
			errs = multierr.Append(errs, err)
		}
	}

	data := make(map[string][]DataPoint, len(index.Pairs))
	for _, k := range index.Pairs {
		points, err := storage.LoadChunked[DataPoint](ctx, l.store, dataKey(k))
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		data[k] = points
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if model.Weights != nil {
		l.model = newModel()
		for f, w := range model.Weights {
			l.model.Weights[f] = w
		}
		l.model.Bias = model.Bias
		l.model.TrainedAt = model.TrainedAt
		l.ready = model.TrainedAt > 0
	}
	for k, s := range stats {
		l.stats[k] = s
	}
	for k, points := range data {
		for _, p := range points {
			l.addLocked(k, p)
		}
	}

	logger.Info("Состояние предсказателя загружено",
		zap.Bool("ready", l.ready),
		zap.Int("pairs", len(l.data)))
	return errs
}
