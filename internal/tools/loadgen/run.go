package loadgen

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Config drives a run against the session admin API.
type Config struct {
	BaseURL     string
	Token       string
	Profile     string
	Duration    time.Duration
	RPS         int
	Concurrency int
	Users       int
	Seed        uint64
	Client      *http.Client
}

type Result struct {
	TotalRequests int
	Failures      int
	ByStatusClass map[string]int
	ByOperation   map[string]int
	P50           time.Duration
	P95           time.Duration
}

type operation string

const (
	opCreate   operation = "create"
	opValidate operation = "validate"
	opTouch    operation = "touch"
	opRevoke   operation = "revoke"
)

var profiles = map[string][]operation{
	"create":   {opCreate},
	"validate": {opValidate},
	"mixed":    {opCreate, opValidate, opValidate, opValidate, opTouch, opRevoke},
}

type job struct {
	op   operation
	user int
}

type runner struct {
	cfg Config

	mu        sync.Mutex
	sessions  []string
	latencies []time.Duration
	res       Result
}

// Run issues requests at cfg.RPS until cfg.Duration elapses or ctx ends.
// Validate, touch and revoke fall back to create while no session exists.
func Run(ctx context.Context, cfg Config) (Result, error) {
	cfg.Profile = normalizeProfile(cfg.Profile)
	mix, ok := profiles[cfg.Profile]
	if !ok {
		return Result{}, fmt.Errorf("unknown profile %q", cfg.Profile)
	}
	if cfg.RPS <= 0 || cfg.Concurrency <= 0 || cfg.Duration <= 0 {
		return Result{}, fmt.Errorf("rps, concurrency and duration must be positive")
	}
	if cfg.Users <= 0 {
		cfg.Users = 10
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 10 * time.Second}
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	r := &runner{cfg: cfg, res: Result{ByStatusClass: map[string]int{}, ByOperation: map[string]int{}}}
	rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15))

	runCtx, cancel := context.WithTimeout(ctx, cfg.Duration)
	defer cancel()

	jobs := make(chan job)
	g, gctx := errgroup.WithContext(runCtx)
	for i := 0; i < cfg.Concurrency; i++ {
		g.Go(func() error {
			for j := range jobs {
				r.do(gctx, j)
			}
			return nil
		})
	}

	ticker := time.NewTicker(time.Second / time.Duration(cfg.RPS))
	defer ticker.Stop()
dispatch:
	for {
		select {
		case <-runCtx.Done():
			break dispatch
		case <-ticker.C:
			j := job{op: mix[rng.IntN(len(mix))], user: rng.IntN(cfg.Users)}
			select {
			case jobs <- j:
			case <-runCtx.Done():
				break dispatch
			}
		}
	}
	close(jobs)
	_ = g.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.res.P50 = percentile(r.latencies, 0.50)
	r.res.P95 = percentile(r.latencies, 0.95)
	if ctx.Err() != nil {
		return r.res, ctx.Err()
	}
	return r.res, nil
}

func (r *runner) do(ctx context.Context, j job) {
	op := j.op
	id := ""
	if op != opCreate {
		id = r.pickSession(op == opRevoke)
		if id == "" {
			op = opCreate
		}
	}

	var (
		method = http.MethodPost
		path   string
		body   any
	)
	switch op {
	case opCreate:
		user := fmt.Sprintf("loadgen-%d", j.user)
		path = "/api/v1/sessions"
		body = map[string]any{"auth": map[string]any{
			"is_authenticated": true,
			"user_id":          user,
			"username":         user,
			"access_token":     "loadgen-access",
		}}
	case opValidate:
		path = "/api/v1/sessions/" + id + "/validate"
	case opTouch:
		path = "/api/v1/sessions/" + id + "/touch"
	case opRevoke:
		method = http.MethodDelete
		path = "/api/v1/sessions/" + id
	}

	start := time.Now()
	status, payload, err := r.send(ctx, method, path, body)
	elapsed := time.Since(start)
	if ctx.Err() != nil && err != nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.res.TotalRequests++
	r.res.ByOperation[string(op)]++
	r.latencies = append(r.latencies, elapsed)
	if err != nil {
		r.res.Failures++
		r.res.ByStatusClass["error"]++
		return
	}
	r.res.ByStatusClass[classifyStatusClass(status)]++
	if status >= 400 {
		r.res.Failures++
		return
	}
	if op == opCreate {
		if created := sessionIDFrom(payload); created != "" {
			r.sessions = append(r.sessions, created)
		}
	}
}

func (r *runner) pickSession(remove bool) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.sessions) == 0 {
		return ""
	}
	last := len(r.sessions) - 1
	id := r.sessions[last]
	if remove {
		r.sessions = r.sessions[:last]
	}
	return id
}

func (r *runner) send(ctx context.Context, method, path string, body any) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return 0, nil, err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.cfg.BaseURL+path, reader)
	if err != nil {
		return 0, nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+r.cfg.Token)
	}
	resp, err := r.cfg.Client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, payload, nil
}

func sessionIDFrom(payload []byte) string {
	var env struct {
		Data struct {
			SessionID string `json:"session_id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(payload, &env); err != nil {
		return ""
	}
	return env.Data.SessionID
}

func percentile(samples []time.Duration, q float64) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	sorted := slices.Clone(samples)
	slices.Sort(sorted)
	idx := int(q * float64(len(sorted)-1))
	return sorted[idx]
}

func classifyStatusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500 && status < 600:
		return "5xx"
	default:
		return "other"
	}
}

func normalizeProfile(profile string) string {
	v := strings.TrimSpace(strings.ToLower(profile))
	if v == "" {
		return "mixed"
	}
	return v
}
