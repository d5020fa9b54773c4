package health

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/glimte/mmate-gateway/internal/reliability"
	"github.com/glimte/mmate-gateway/messaging"
)

// DegradedQueueRatio is the fill ratio from which a queue reports degraded
const DegradedQueueRatio = 0.9

// PortChecker pings a port that supports it
type PortChecker struct {
	port    messaging.Port
	timeout time.Duration
}

// NewPortChecker creates a checker for port. Each ping is bounded by timeout.
func NewPortChecker(port messaging.Port, timeout time.Duration) *PortChecker {
	return &PortChecker{port: port, timeout: timeout}
}

func (c *PortChecker) Name() string {
	return "port_" + c.port.Name()
}

func (c *PortChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   map[string]any{"port": c.port.Name()},
	}

	hp, ok := c.port.(messaging.HealthPort)
	if !ok {
		result.Status = StatusHealthy
		result.Message = "port has no ping"
		result.Duration = time.Since(start)
		return result
	}

	pingCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := hp.Ping(pingCtx); err != nil {
		result.Status = StatusUnhealthy
		result.Message = "ping failed"
		result.Error = err.Error()
	} else {
		result.Status = StatusHealthy
		result.Message = "port is reachable"
	}
	result.Duration = time.Since(start)
	result.Details["response_time_ms"] = result.Duration.Milliseconds()
	return result
}

// QueueChecker reports a queue's fill level
type QueueChecker struct {
	queue messaging.Queue
}

// NewQueueChecker creates a queue checker
func NewQueueChecker(queue messaging.Queue) *QueueChecker {
	return &QueueChecker{queue: queue}
}

func (c *QueueChecker) Name() string {
	return "queue_" + c.queue.Name()
}

func (c *QueueChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	size, capacity := c.queue.Size(), c.queue.Capacity()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Status:    StatusHealthy,
		Message:   fmt.Sprintf("queue %s has room", c.queue.Name()),
		Details: map[string]any{
			"size":     size,
			"capacity": capacity,
		},
	}

	if capacity > 0 && float64(size) >= DegradedQueueRatio*float64(capacity) {
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("queue %s is %d/%d full", c.queue.Name(), size, capacity)
	}
	result.Duration = time.Since(start)
	return result
}

// RuntimeChecker watches the goroutine count
type RuntimeChecker struct {
	degradedGoroutines  int
	unhealthyGoroutines int
}

// NewRuntimeChecker creates a runtime checker with goroutine thresholds
func NewRuntimeChecker(degraded, unhealthy int) *RuntimeChecker {
	return &RuntimeChecker{degradedGoroutines: degraded, unhealthyGoroutines: unhealthy}
}

func (c *RuntimeChecker) Name() string {
	return "runtime"
}

func (c *RuntimeChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	goroutines := runtime.NumGoroutine()

	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details: map[string]any{
			"heap_alloc_mb": float64(m.HeapAlloc) / 1024 / 1024,
			"gc_runs":       m.NumGC,
			"goroutines":    goroutines,
		},
	}

	switch {
	case goroutines > c.unhealthyGoroutines:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("too many goroutines: %d", goroutines)
	case goroutines > c.degradedGoroutines:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("high goroutine count: %d", goroutines)
	default:
		result.Status = StatusHealthy
		result.Message = "runtime is normal"
	}
	result.Duration = time.Since(start)
	return result
}

// ComponentChecker adapts a plain function to Checker
type ComponentChecker struct {
	name    string
	checker func(ctx context.Context) (Status, string, map[string]any, error)
}

// NewComponentChecker creates a checker for a custom component
func NewComponentChecker(name string, checker func(ctx context.Context) (Status, string, map[string]any, error)) *ComponentChecker {
	return &ComponentChecker{name: name, checker: checker}
}

func (c *ComponentChecker) Name() string {
	return c.name
}

func (c *ComponentChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	status, message, details, err := c.checker(ctx)

	result := CheckResult{
		Name:      c.Name(),
		Status:    status,
		Message:   message,
		Details:   details,
		Timestamp: start,
	}
	if err != nil {
		result.Error = err.Error()
	}
	result.Duration = time.Since(start)
	return result
}

// NewBreakerChecker reports degraded while any breaker of the set is open or
// probing, so a port that keeps failing shows up before messages are dropped.
func NewBreakerChecker(set *reliability.BreakerSet) *ComponentChecker {
	return NewComponentChecker("circuit_breakers", func(ctx context.Context) (Status, string, map[string]any, error) {
		details := make(map[string]any)
		var tripped []string
		for _, m := range set.Metrics() {
			details[m.Name] = m.State
			if m.State != reliability.StateClosed.String() {
				tripped = append(tripped, m.Name)
			}
		}
		if len(tripped) > 0 {
			return StatusDegraded, fmt.Sprintf("circuit open for %v", tripped), details, nil
		}
		return StatusHealthy, "all circuits closed", details, nil
	})
}

// RegisterPorts adds a PortChecker for every port
func RegisterPorts(r *Registry, ports []messaging.Port, timeout time.Duration) {
	for _, p := range ports {
		r.Register(NewPortChecker(p, timeout))
	}
}
