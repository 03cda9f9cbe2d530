package controllers

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
)

// SubscriptionCounter returns subscription counts keyed by status.
type SubscriptionCounter interface {
	Counts(ctx context.Context) (map[string]int64, error)
}

type StatsController struct {
	counter SubscriptionCounter
}

func NewStatsController(counter SubscriptionCounter) *StatsController {
	return &StatsController{counter: counter}
}

func (s *StatsController) HandleStats(c *fiber.Ctx) error {
	counts, err := s.counter.Counts(c.UserContext())
	if err != nil {
		log.Errorf("[StatsController] %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "stats_unavailable"})
	}

	var total int64
	for _, n := range counts {
		total += n
	}
	return c.JSON(fiber.Map{"subscriptions": counts, "total": total})
}
