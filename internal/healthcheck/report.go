package healthcheck

import (
	"context"
	"sync"
	"time"
)

// Report is the aggregated result served by the health endpoint.
type Report struct {
	Status    string        `json:"status"`
	Checks    []CheckResult `json:"checks"`
	CheckedAt time.Time     `json:"checked_at"`
}

// Run evaluates every checker concurrently and keeps their order.
func Run(ctx context.Context, checkers ...Checker) Report {
	results := make([][]CheckResult, len(checkers))
	var wg sync.WaitGroup
	for i, checker := range checkers {
		if checker == nil {
			continue
		}
		wg.Add(1)
		go func(i int, checker Checker) {
			defer wg.Done()
			results[i] = checker.ListChecks(ctx)
		}(i, checker)
	}
	wg.Wait()

	report := Report{Status: StatusOK, Checks: []CheckResult{}, CheckedAt: time.Now().UTC()}
	for _, items := range results {
		for _, item := range items {
			report.Checks = append(report.Checks, item)
			report.Status = worst(report.Status, item.Status)
		}
	}
	return report
}

func worst(a, b string) string {
	if severity(b) > severity(a) {
		return b
	}
	return a
}

func severity(status string) int {
	switch status {
	case StatusOK:
		return 0
	case StatusWarn:
		return 1
	default:
		return 2
	}
}
