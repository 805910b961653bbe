// Package mode переключает бота между полной торговлей и режимом
// сопровождения открытых позиций в зависимости от доступного баланса.
package mode

import (
	"sync"

	"github.com/skalibog/mtabot/pkg/logger"
	"github.com/skalibog/mtabot/pkg/models"
	"go.uber.org/zap"
)

// DefaultMinBalance минимальный баланс для открытия новых позиций
const DefaultMinBalance = 10.0

// Controller хранит текущий режим. Безопасен для конкурентного использования
type Controller struct {
	mu         sync.RWMutex
	minBalance float64
	mode       models.Mode
	balance    float64
	known      bool
}

// NewController создает контроллер. До первой оценки баланса режим FULL_TRADING
func NewController(minBalance float64) *Controller {
	if minBalance <= 0 {
		minBalance = DefaultMinBalance
	}
	return &Controller{minBalance: minBalance, mode: models.ModeFullTrading}
}

// Evaluate пересчитывает режим по балансу. changed=true при смене режима,
// а также при первой оценке
func (c *Controller) Evaluate(balance float64) (models.Mode, bool) {
	next := models.ModeFullTrading
	if balance < c.minBalance {
		next = models.ModeManagementOnly
	}

	c.mu.Lock()
	prev, first := c.mode, !c.known
	c.mode, c.balance, c.known = next, balance, true
	c.mu.Unlock()

	changed := first || prev != next
	if changed {
		log := logger.With(
			zap.String("mode", string(next)),
			zap.Float64("balance", balance),
			zap.Float64("min_balance", c.minBalance))
		if next == models.ModeManagementOnly {
			log.Warn("Баланс ниже минимума: только сопровождение открытых позиций")
		} else {
			log.Info("Режим полной торговли")
		}
	}
	return next, changed
}

// Mode текущий режим
func (c *Controller) Mode() models.Mode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mode
}

// Balance последний учтённый баланс
func (c *Controller) Balance() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.balance
}

// CanEnter можно ли искать новые входы
func (c *Controller) CanEnter() bool {
	return c.Mode() == models.ModeFullTrading
}

// Subscriptions символы для потока данных в текущем режиме.
// В полной торговле к отслеживаемым добавляются открытые позиции вне списка
func (c *Controller) Subscriptions(watched, open []string) []string {
	if c.Mode() == models.ModeManagementOnly {
		return open
	}
	out := append([]string(nil), watched...)
	seen := make(map[string]struct{}, len(watched))
	for _, s := range watched {
		seen[s] = struct{}{}
	}
	for _, s := range open {
		if _, ok := seen[s]; !ok {
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}
