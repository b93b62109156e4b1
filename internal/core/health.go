package core

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// healthCheckTimeout bounds all probes together.
const healthCheckTimeout = 2 * time.Second

// HealthProbe checks one dependency.
type HealthProbe interface {
	Name() string
	Check(ctx context.Context) error
}

// ProbeFunc adapts a function to HealthProbe.
type ProbeFunc struct {
	ProbeName string
	Fn        func(ctx context.Context) error
}

func (p ProbeFunc) Name() string                    { return p.ProbeName }
func (p ProbeFunc) Check(ctx context.Context) error { return p.Fn(ctx) }

type componentStatus struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type healthResponse struct {
	Status     string                     `json:"status"`
	Components map[string]componentStatus `json:"components,omitempty"`
}

// HandleHealth runs every probe concurrently. Any failing or late probe
// turns the response into a 503.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	if len(s.HealthProbes) == 0 {
		JSON(w, r, http.StatusOK, healthResponse{Status: "healthy"})
		return
	}

	var (
		mu      sync.Mutex
		results = make(map[string]error, len(s.HealthProbes))
		wg      sync.WaitGroup
	)
	for _, probe := range s.HealthProbes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var err error
			func() {
				defer func() {
					if rvr := recover(); rvr != nil {
						err = fmt.Errorf("probe panicked: %v", rvr)
					}
				}()
				err = probe.Check(ctx)
			}()
			mu.Lock()
			results[probe.Name()] = err
			mu.Unlock()
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}

	mu.Lock()
	defer mu.Unlock()
	resp := healthResponse{Status: "healthy", Components: make(map[string]componentStatus, len(s.HealthProbes))}
	for _, probe := range s.HealthProbes {
		name := probe.Name()
		err, ok := results[name]
		switch {
		case !ok:
			resp.Status = "unhealthy"
			resp.Components[name] = componentStatus{Status: "unhealthy", Message: "health check timed out"}
		case err != nil:
			resp.Status = "unhealthy"
			resp.Components[name] = componentStatus{Status: "unhealthy", Message: err.Error()}
		default:
			resp.Components[name] = componentStatus{Status: "healthy"}
		}
	}

	status := http.StatusOK
	if resp.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	JSON(w, r, status, resp)
}
