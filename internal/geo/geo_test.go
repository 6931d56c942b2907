package geo_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/oicur0t/loglens/internal/config"
	"github.com/oicur0t/loglens/internal/geo"
	"github.com/oicur0t/loglens/internal/metrics"
	"github.com/oicur0t/loglens/internal/upstream"
	"github.com/oicur0t/loglens/pkg/models"
)

func TestGeo(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Geo Suite")
}

// fakeLocator answers from a fixed table
type fakeLocator struct {
	locations map[string]geo.Location
	err       error
	delay     time.Duration
	calls     atomic.Int32
	inFlight  atomic.Int32
	maxFlight atomic.Int32
}

func (l *fakeLocator) Locate(ctx context.Context, addr netip.Addr) (geo.Location, error) {
	l.calls.Add(1)
	n := l.inFlight.Add(1)
	defer l.inFlight.Add(-1)
	for {
		m := l.maxFlight.Load()
		if n <= m || l.maxFlight.CompareAndSwap(m, n) {
			break
		}
	}

	if l.delay > 0 {
		select {
		case <-time.After(l.delay):
		case <-ctx.Done():
			return geo.Location{}, ctx.Err()
		}
	}
	if l.err != nil {
		return geo.Location{}, l.err
	}
	loc, ok := l.locations[addr.String()]
	if !ok {
		return geo.Location{}, geo.ErrUnresolvable
	}
	return loc, nil
}

// memoryStore is an in-process SharedStore
type memoryStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (s *memoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	if !ok {
		return nil, geo.ErrMiss
	}
	return v, nil
}

func (s *memoryStore) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
	return nil
}

func (s *memoryStore) Close() error { return nil }

func entriesFrom(addrs ...string) []models.LogEntry {
	out := make([]models.LogEntry, len(addrs))
	for i, a := range addrs {
		out[i] = models.LogEntry{RemoteAddr: a, Status: 200}
	}
	return out
}

var (
	london1 = geo.Location{Latitude: 51.5072, Longitude: -0.1276, City: "London", Country: "United Kingdom", ISP: "ISP A"}
	london2 = geo.Location{Latitude: 51.5321, Longitude: -0.0851, City: "London", Country: "United Kingdom", ISP: "ISP B"}
	dublin  = geo.Location{Latitude: 53.3498, Longitude: -6.2603, City: "Dublin", Country: "Ireland", ISP: "ISP C"}
)

var _ = Describe("Enricher", func() {
	var (
		ctx     context.Context
		locator *fakeLocator
		cache   *geo.Cache
		logger  *zap.Logger
	)

	newEnricher := func(concurrency int, timeout time.Duration) *geo.Enricher {
		return geo.NewEnricher(cache, locator, concurrency, timeout, 1, logger)
	}

	BeforeEach(func() {
		ctx = context.Background()
		logger = zap.NewNop()
		locator = &fakeLocator{locations: map[string]geo.Location{
			"81.2.69.142": london1,
			"81.2.69.160": london2,
			"87.32.10.10": dublin,
			"2a01:4f8::1": dublin,
		}}
		m := metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
		cache = geo.NewCache(100, time.Hour, nil, "", m, logger)
	})

	It("should skip private and malformed addresses without calling the locator", func() {
		entries := entriesFrom("10.0.0.1", "192.168.1.1", "127.0.0.1", "fe80::1", "0.0.0.0", "not-an-ip", "10.0.0.1")

		result, err := newEnricher(4, time.Second).Enrich(ctx, entries)
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Markers).To(BeEmpty())
		Expect(result.Stats).To(Equal(models.GeoStats{
			Private:            5,
			Unresolved:         1,
			PrivateRequests:    6,
			UnresolvedRequests: 1,
		}))
		Expect(locator.calls.Load()).To(BeZero())
	})

	It("should group nearby addresses into one cell and order markers by count", func() {
		entries := entriesFrom(
			"87.32.10.10",
			"81.2.69.142", "81.2.69.142",
			"81.2.69.160",
			"2a01:4f8::1", "2a01:4f8::1", "2a01:4f8::1",
			"10.1.1.1",
		)

		result, err := newEnricher(4, time.Second).Enrich(ctx, entries)
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Markers).To(HaveLen(2))

		Expect(result.Markers[0].ID).To(Equal("53.3,-6.3"))
		Expect(result.Markers[0].RequestCount).To(Equal(4))
		Expect(result.Markers[0].Addresses).To(Equal([]string{"2a01:4f8::1", "87.32.10.10"}))

		Expect(result.Markers[1].ID).To(Equal("51.5,-0.1"))
		Expect(result.Markers[1].RequestCount).To(Equal(3))
		Expect(result.Markers[1].City).To(Equal("London"))
		Expect(result.Markers[1].ISP).To(Equal("ISP A"))

		total := result.Stats.PrivateRequests + result.Stats.UnresolvedRequests
		for _, m := range result.Markers {
			total += m.RequestCount
		}
		Expect(total).To(Equal(len(entries)))
	})

	It("should break count ties by marker id", func() {
		result, err := newEnricher(4, time.Second).Enrich(ctx, entriesFrom("87.32.10.10", "81.2.69.142"))
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Markers).To(HaveLen(2))
		Expect(result.Markers[0].ID).To(Equal("51.5,-0.1"))
		Expect(result.Markers[1].ID).To(Equal("53.3,-6.3"))
	})

	It("should be deterministic and served from the cache on repeat", func() {
		entries := entriesFrom("87.32.10.10", "81.2.69.142", "81.2.69.160", "81.2.69.142")
		e := newEnricher(4, time.Second)

		first, err := e.Enrich(ctx, entries)
		Expect(err).NotTo(HaveOccurred())
		calls := locator.calls.Load()

		second, err := e.Enrich(ctx, entries)
		Expect(err).NotTo(HaveOccurred())
		Expect(second).To(Equal(first))
		Expect(locator.calls.Load()).To(Equal(calls))
	})

	It("should count unresolvable addresses without degrading", func() {
		result, err := newEnricher(4, time.Second).Enrich(ctx, entriesFrom("81.2.69.142", "8.8.4.4"))
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Markers).To(HaveLen(1))
		Expect(result.Stats.Resolved).To(Equal(1))
		Expect(result.Stats.Unresolved).To(Equal(1))
		Expect(result.Stats.UnresolvedRequests).To(Equal(1))
	})

	It("should degrade when every lookup fails", func() {
		locator.err = errors.New("connection refused")

		result, err := newEnricher(4, time.Second).Enrich(ctx, entriesFrom("81.2.69.142", "87.32.10.10", "10.0.0.1"))
		Expect(errors.Is(err, upstream.ErrUpstreamDegraded)).To(BeTrue())
		Expect(result.Markers).To(BeEmpty())
		Expect(result.Stats.Private).To(Equal(1))
		Expect(result.Stats.Unresolved).To(Equal(2))
	})

	It("should degrade when the batch times out", func() {
		locator.delay = time.Second

		result, err := newEnricher(4, 20*time.Millisecond).Enrich(ctx, entriesFrom("81.2.69.142", "87.32.10.10"))
		Expect(errors.Is(err, upstream.ErrUpstreamDegraded)).To(BeTrue())
		Expect(err.Error()).To(ContainSubstring("timed out"))
		Expect(result.Markers).To(BeEmpty())
	})

	It("should return the caller's cancellation", func() {
		locator.delay = time.Second
		cctx, cancel := context.WithCancel(ctx)
		go func() {
			time.Sleep(10 * time.Millisecond)
			cancel()
		}()

		_, err := newEnricher(4, 5*time.Second).Enrich(cctx, entriesFrom("81.2.69.142"))
		Expect(errors.Is(err, context.Canceled)).To(BeTrue())
	})

	It("should not pass one caller's cancellation to another caller of the same address", func() {
		locator.delay = 300 * time.Millisecond
		enricher := newEnricher(4, 5*time.Second)

		cancelled, cancel := context.WithCancel(ctx)
		var cancelledErr error
		done := make(chan struct{})
		go func() {
			defer GinkgoRecover()
			defer close(done)
			_, cancelledErr = enricher.Enrich(cancelled, entriesFrom("81.2.69.142"))
		}()

		Eventually(locator.calls.Load).Should(BeNumerically("==", 1))
		go func() {
			time.Sleep(50 * time.Millisecond)
			cancel()
		}()

		result, err := enricher.Enrich(ctx, entriesFrom("81.2.69.142", "81.2.69.142"))
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Markers).To(HaveLen(1))
		Expect(result.Markers[0].RequestCount).To(Equal(2))
		Expect(result.Stats.Resolved).To(Equal(1))
		Expect(result.Stats.Unresolved).To(BeZero())
		Expect(locator.calls.Load()).To(BeNumerically("==", 1))

		Eventually(done).Should(BeClosed())
		Expect(errors.Is(cancelledErr, context.Canceled)).To(BeTrue())
	})

	It("should bound the number of concurrent lookups", func() {
		locator.delay = 5 * time.Millisecond
		addrs := make([]string, 0, 40)
		for i := 1; i <= 40; i++ {
			addrs = append(addrs, netip.AddrFrom4([4]byte{81, 2, 70, byte(i)}).String())
		}

		_, err := newEnricher(3, 5*time.Second).Enrich(ctx, entriesFrom(addrs...))
		Expect(err).NotTo(HaveOccurred())
		Expect(locator.maxFlight.Load()).To(BeNumerically("<=", 3))
	})

	It("should return an empty result for no entries", func() {
		result, err := newEnricher(4, time.Second).Enrich(ctx, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Markers).NotTo(BeNil())
		Expect(result.Markers).To(BeEmpty())
	})
})

var _ = Describe("Cache", func() {
	It("should read through the shared tier before resolving", func() {
		shared := &memoryStore{data: map[string][]byte{}}
		payload, err := json.Marshal(map[string]any{"location": dublin, "found": true})
		Expect(err).NotTo(HaveOccurred())
		shared.data["geo:87.32.10.10"] = payload

		cache := geo.NewCache(10, time.Hour, shared, "geo:", nil, zap.NewNop())
		loc, err := cache.Lookup(context.Background(), "87.32.10.10", func(context.Context) (geo.Location, error) {
			return geo.Location{}, errors.New("should not be called")
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(loc).To(Equal(dublin))
		Expect(cache.Len()).To(Equal(1))
	})

	It("should write resolved locations to the shared tier", func() {
		shared := &memoryStore{data: map[string][]byte{}}
		cache := geo.NewCache(10, time.Hour, shared, "geo:", nil, zap.NewNop())

		_, err := cache.Lookup(context.Background(), "81.2.69.142", func(context.Context) (geo.Location, error) {
			return london1, nil
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(shared.data).To(HaveKey("geo:81.2.69.142"))
	})

	It("should not cache transport failures", func() {
		cache := geo.NewCache(10, time.Hour, nil, "", nil, zap.NewNop())
		calls := 0
		resolve := func(context.Context) (geo.Location, error) {
			calls++
			return geo.Location{}, errors.New("timeout")
		}

		_, err := cache.Lookup(context.Background(), "81.2.69.142", resolve)
		Expect(err).To(HaveOccurred())
		_, err = cache.Lookup(context.Background(), "81.2.69.142", resolve)
		Expect(err).To(HaveOccurred())
		Expect(calls).To(Equal(2))
		Expect(cache.Len()).To(BeZero())
	})

	It("should finish a shared resolution after the caller that started it gives up", func() {
		cache := geo.NewCache(10, time.Hour, nil, "", nil, zap.NewNop())
		release := make(chan struct{})
		started := make(chan struct{})
		resolve := func(ctx context.Context) (geo.Location, error) {
			close(started)
			select {
			case <-release:
				return london1, nil
			case <-ctx.Done():
				return geo.Location{}, ctx.Err()
			}
		}

		leader, cancel := context.WithCancel(context.Background())
		leaderErr := make(chan error, 1)
		go func() {
			_, err := cache.Lookup(leader, "81.2.69.142", resolve)
			leaderErr <- err
		}()
		Eventually(started).Should(BeClosed())

		followerLoc := make(chan geo.Location, 1)
		go func() {
			defer GinkgoRecover()
			loc, err := cache.Lookup(context.Background(), "81.2.69.142", resolve)
			Expect(err).NotTo(HaveOccurred())
			followerLoc <- loc
		}()

		cancel()
		Eventually(leaderErr).Should(Receive(MatchError(context.Canceled)))

		close(release)
		Eventually(followerLoc).Should(Receive(Equal(london1)))
		Expect(cache.Len()).To(Equal(1))
	})

	It("should evict entries after the TTL", func() {
		cache := geo.NewCache(10, 20*time.Millisecond, nil, "", nil, zap.NewNop())
		_, err := cache.Lookup(context.Background(), "81.2.69.142", func(context.Context) (geo.Location, error) {
			return london1, nil
		})
		Expect(err).NotTo(HaveOccurred())
		Eventually(cache.Len).WithTimeout(time.Second).Should(BeZero())
	})
})

var _ = Describe("IPAPILocator", func() {
	var server *httptest.Server

	BeforeEach(func() {
		server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.URL.Path {
			case "/81.2.69.142":
				_, _ = io.WriteString(w, `{"status":"success","lat":51.5072,"lon":-0.1276,"country":"United Kingdom","regionName":"England","city":"London","isp":"ISP A"}`)
			default:
				_, _ = io.WriteString(w, `{"status":"fail","message":"reserved range"}`)
			}
		}))
		DeferCleanup(server.Close)
	})

	newLocator := func() *geo.IPAPILocator {
		client, err := upstream.NewClient(upstream.ServiceGeolocation, config.ServiceConfig{
			Enabled:          true,
			URL:              server.URL,
			Timeout:          time.Second,
			MaxAttempts:      1,
			BreakerThreshold: 5,
			BreakerTimeout:   time.Minute,
		}, nil, zap.NewNop())
		Expect(err).NotTo(HaveOccurred())
		return geo.NewIPAPILocator(client)
	}

	It("should decode a successful lookup", func() {
		loc, err := newLocator().Locate(context.Background(), netip.MustParseAddr("81.2.69.142"))
		Expect(err).NotTo(HaveOccurred())
		Expect(loc.City).To(Equal("London"))
		Expect(loc.Region).To(Equal("England"))
		Expect(loc.Latitude).To(BeNumerically("~", 51.5072, 1e-6))
	})

	It("should report failed lookups as unresolvable", func() {
		_, err := newLocator().Locate(context.Background(), netip.MustParseAddr("8.8.8.8"))
		Expect(errors.Is(err, geo.ErrUnresolvable)).To(BeTrue())
	})
})
