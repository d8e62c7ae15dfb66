package discovery

import (
	"fmt"
	"sync"
	"time"

	consulapi "github.com/hashicorp/consul/api"
	"go.uber.org/zap"
)

// Discovery resolves a service name to a base URL.
type Discovery interface {
	Lookup(service string) (string, error)
}

type staticDiscovery struct {
	m map[string]string
}

func NewStatic(m map[string]string) Discovery {
	return &staticDiscovery{m: m}
}

func (s *staticDiscovery) Lookup(service string) (string, error) {
	if v, ok := s.m[service]; ok && v != "" {
		return v, nil
	}
	return "", fmt.Errorf("service not found: %s", service)
}

// HealthClient is the slice of the consul health API used for lookups.
type HealthClient interface {
	Service(service, tag string, passingOnly bool, q *consulapi.QueryOptions) ([]*consulapi.ServiceEntry, *consulapi.QueryMeta, error)
}

// cacheTTL bounds how long a resolved instance list is reused before consul is
// asked again.
const cacheTTL = 30 * time.Second

type cached struct {
	urls []string
	at   time.Time
}

type consulDiscovery struct {
	health   HealthClient
	scheme   string
	fallback Discovery
	cache    map[string]cached
	mu       sync.RWMutex
	log      *zap.SugaredLogger
	now      func() time.Time
}

// NewConsul resolves through consul health checks. scheme is prefixed to the
// resolved address (http, ws). Lookups that fail fall back to the static map.
func NewConsul(addr, scheme string, static map[string]string, log *zap.SugaredLogger) (Discovery, error) {
	cfg := consulapi.DefaultConfig()
	cfg.Address = addr
	client, err := consulapi.NewClient(cfg)
	if err != nil {
		return nil, err
	}
	return newConsul(client.Health(), scheme, static, log), nil
}

func newConsul(h HealthClient, scheme string, static map[string]string, log *zap.SugaredLogger) *consulDiscovery {
	return &consulDiscovery{
		health:   h,
		scheme:   scheme,
		fallback: NewStatic(static),
		cache:    map[string]cached{},
		log:      log,
		now:      time.Now,
	}
}

func (c *consulDiscovery) Lookup(service string) (string, error) {
	c.mu.RLock()
	hit, ok := c.cache[service]
	c.mu.RUnlock()
	if ok && len(hit.urls) > 0 && c.now().Sub(hit.at) < cacheTTL {
		return hit.urls[0], nil
	}

	entries, _, err := c.health.Service(service, "", true, nil)
	if err == nil && len(entries) == 0 {
		err = fmt.Errorf("no healthy instances for %s", service)
	}
	if err != nil {
		if v, ferr := c.fallback.Lookup(service); ferr == nil {
			c.log.Warnw("consul lookup failed, using static address", "service", service, "err", err)
			return v, nil
		}
		return "", err
	}

	var urls []string
	for _, e := range entries {
		addr := e.Service.Address
		if addr == "" && e.Node != nil {
			addr = e.Node.Address
		}
		urls = append(urls, fmt.Sprintf("%s://%s:%d", c.scheme, addr, e.Service.Port))
	}
	c.mu.Lock()
	c.cache[service] = cached{urls: urls, at: c.now()}
	c.mu.Unlock()
	return urls[0], nil
}
