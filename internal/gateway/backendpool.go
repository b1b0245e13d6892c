// Package gateway implements the stateless HTTP front door: backend
// discovery and capacity-aware selection, request proxying, and a
// SQLite-backed request log.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
)

const unhealthyErrorThreshold = 3

// DiscoveryMode selects how the pool learns about backend URLs.
type DiscoveryMode int

const (
	DiscoveryStatic DiscoveryMode = iota
	DiscoveryClusterAPI
)

// ClusterAPIConfig configures pod discovery via the Kubernetes API.
type ClusterAPIConfig struct {
	Clientset     kubernetes.Interface
	Namespace     string
	LabelSelector string
	Port          int
	PollInterval  time.Duration
}

// Backend tracks one node orchestrator instance's last-known capacity.
type Backend struct {
	URL string

	AvailableCPUs     float64
	AvailableGPUs     float64
	AvailableMemoryGB float64
	TotalCPUs         float64
	TotalGPUs         float64
	TotalMemoryGB     float64

	LastUpdated time.Time
	Healthy     bool
	ErrorCount  int
}

// HasCapacity reports whether this backend is healthy and has headroom on
// every dimension.
func (b *Backend) HasCapacity(cpus, gpus, memoryGB float64) bool {
	return b.Healthy &&
		b.AvailableCPUs >= cpus &&
		b.AvailableGPUs >= gpus &&
		b.AvailableMemoryGB >= memoryGB
}

// Utilization returns the most-constrained resource's fractional usage. A
// dimension with zero reported total capacity contributes 0, not 1 — an
// all-zero backend (no poll has landed yet) is reported as idle rather than
// fully utilized.
func (b *Backend) Utilization() float64 {
	var cpuUtil, gpuUtil float64
	if b.TotalCPUs > 0 {
		cpuUtil = 1.0 - (b.AvailableCPUs / b.TotalCPUs)
	}
	if b.TotalGPUs > 0 {
		gpuUtil = 1.0 - (b.AvailableGPUs / b.TotalGPUs)
	}
	if gpuUtil > cpuUtil {
		return gpuUtil
	}
	return cpuUtil
}

type capacityResponse struct {
	Available capacityFigures  `json:"available"`
	Total     *capacityFigures `json:"total"`
}

type capacityFigures struct {
	CPUs     float64 `json:"cpus"`
	GPUs     float64 `json:"gpus"`
	MemoryGB float64 `json:"memory_gb"`
}

// BackendPool tracks every known backend and keeps their capacity figures
// fresh via periodic polling.
type BackendPool struct {
	mu       sync.RWMutex
	backends map[string]*Backend

	client *http.Client

	mode           DiscoveryMode
	staticURLs     []string
	clusterAPICfg  ClusterAPIConfig
	updateInterval time.Duration
	capacityTO     time.Duration
}

// NewStatic builds a pool with a fixed backend URL list.
func NewStatic(urls []string, updateInterval, capacityTimeout time.Duration) *BackendPool {
	return &BackendPool{
		backends:       make(map[string]*Backend),
		client:         &http.Client{Timeout: capacityTimeout},
		mode:           DiscoveryStatic,
		staticURLs:     urls,
		updateInterval: updateInterval,
		capacityTO:     capacityTimeout,
	}
}

// NewClusterAPI builds a pool whose backend list is discovered by listing
// pods in a namespace via the Kubernetes API.
func NewClusterAPI(cfg ClusterAPIConfig, updateInterval, capacityTimeout time.Duration) *BackendPool {
	return &BackendPool{
		backends:       make(map[string]*Backend),
		client:         &http.Client{Timeout: capacityTimeout},
		mode:           DiscoveryClusterAPI,
		clusterAPICfg:  cfg,
		updateInterval: updateInterval,
		capacityTO:     capacityTimeout,
	}
}

// Start initializes the backend set (synchronously, for static discovery)
// and launches the background capacity-polling and (for cluster-API)
// pod-discovery loops. It returns once the pool is ready to serve
// selections; the loops keep running on ctx until canceled.
func (p *BackendPool) Start(ctx context.Context) error {
	switch p.mode {
	case DiscoveryStatic:
		p.mu.Lock()
		for _, url := range p.staticURLs {
			log.Info().Str("url", url).Msg("adding static backend")
			p.backends[url] = &Backend{URL: url}
		}
		p.mu.Unlock()
	case DiscoveryClusterAPI:
		if err := p.discoverPods(ctx); err != nil {
			return fmt.Errorf("gateway: initial pod discovery: %w", err)
		}
		go p.discoveryLoop(ctx)
	}

	go p.monitoringLoop(ctx)
	return nil
}

// discoveryLoop re-polls the Kubernetes API every 30s, adding backends for
// new Running pods and evicting ones whose pod disappeared.
func (p *BackendPool) discoveryLoop(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.discoverPods(ctx); err != nil {
				log.Error().Err(err).Msg("pod discovery failed")
			}
		}
	}
}

func (p *BackendPool) discoverPods(ctx context.Context) error {
	cfg := p.clusterAPICfg
	pods, err := cfg.Clientset.CoreV1().Pods(cfg.Namespace).List(ctx, metav1.ListOptions{
		LabelSelector: cfg.LabelSelector,
	})
	if err != nil {
		return fmt.Errorf("list pods: %w", err)
	}

	seen := make(map[string]bool, len(pods.Items))
	p.mu.Lock()
	for _, pod := range pods.Items {
		if pod.Status.Phase != corev1.PodRunning || pod.Status.PodIP == "" {
			continue
		}
		url := fmt.Sprintf("http://%s:%d", pod.Status.PodIP, cfg.Port)
		seen[url] = true
		if _, exists := p.backends[url]; !exists {
			log.Info().Str("url", url).Str("pod", pod.Name).Msg("adding discovered backend")
			p.backends[url] = &Backend{URL: url}
		}
	}
	for url := range p.backends {
		if !seen[url] {
			log.Info().Str("url", url).Msg("evicting vanished backend")
			delete(p.backends, url)
		}
	}
	p.mu.Unlock()
	return nil
}

// monitoringLoop polls every backend's /capacity endpoint on updateInterval.
func (p *BackendPool) monitoringLoop(ctx context.Context) {
	ticker := time.NewTicker(p.updateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.pollAll(ctx)
		}
	}
}

func (p *BackendPool) pollAll(ctx context.Context) {
	p.mu.RLock()
	urls := make([]string, 0, len(p.backends))
	for url := range p.backends {
		urls = append(urls, url)
	}
	p.mu.RUnlock()

	for _, url := range urls {
		capResp, err := p.fetchCapacity(ctx, url)

		p.mu.Lock()
		b, exists := p.backends[url]
		if !exists {
			p.mu.Unlock()
			continue
		}
		if err != nil {
			b.ErrorCount++
			if b.ErrorCount >= unhealthyErrorThreshold && b.Healthy {
				log.Warn().Str("url", url).Int("errors", b.ErrorCount).Msg("backend marked unhealthy")
			}
			if b.ErrorCount >= unhealthyErrorThreshold {
				b.Healthy = false
			}
			log.Error().Err(err).Str("url", url).Msg("capacity poll failed")
		} else {
			b.AvailableCPUs = capResp.Available.CPUs
			b.AvailableGPUs = capResp.Available.GPUs
			b.AvailableMemoryGB = capResp.Available.MemoryGB
			if capResp.Total != nil {
				b.TotalCPUs = capResp.Total.CPUs
				b.TotalGPUs = capResp.Total.GPUs
				b.TotalMemoryGB = capResp.Total.MemoryGB
			}
			b.LastUpdated = time.Now()
			b.Healthy = true
			b.ErrorCount = 0
		}
		p.mu.Unlock()
	}
}

func (p *BackendPool) fetchCapacity(ctx context.Context, backendURL string) (*capacityResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, backendURL+"/capacity", nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("http %d", resp.StatusCode)
	}

	var out capacityResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode json: %w", err)
	}
	return &out, nil
}

// FindBackendWithResources returns the least-utilized healthy backend with
// capacity for (cpus, gpus, memoryGB), or nil if none qualifies.
func (p *BackendPool) FindBackendWithResources(cpus, gpus, memoryGB float64) *Backend {
	p.mu.RLock()
	defer p.mu.RUnlock()

	candidates := make([]*Backend, 0, len(p.backends))
	for _, b := range p.backends {
		if b.HasCapacity(cpus, gpus, memoryGB) {
			candidates = append(candidates, b)
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Utilization() < candidates[j].Utilization()
	})

	selected := *candidates[0]
	return &selected
}

// HealthyCount returns how many backends currently report healthy.
func (p *BackendPool) HealthyCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	n := 0
	for _, b := range p.backends {
		if b.Healthy {
			n++
		}
	}
	return n
}

// Backends returns a snapshot of every known backend, for debug endpoints.
func (p *BackendPool) Backends() []Backend {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Backend, 0, len(p.backends))
	for _, b := range p.backends {
		out = append(out, *b)
	}
	return out
}
