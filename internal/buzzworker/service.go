package buzzworker

import (
	"context"
	"hash/crc32"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"buzzworker/internal/errors"
	"buzzworker/internal/logger"
)

// Service is the worker: it owns the partitions, intercepts fetches once
// activated, and runs install/activate.
type Service struct {
	cfg Config
	log *zap.SugaredLogger

	httpClient  *http.Client
	passthrough *httputil.ReverseProxy

	store     *Store
	ownsStore bool
	now       func() time.Time

	table    strategyTable
	precache *Partition
	pending  *Partition
	hot      *gocache.Cache

	manifestMu sync.Mutex
	manifest   []ManifestEntry

	lifecycle

	metrics  *Metrics
	stats    *statsCollector
	reporter Reporter

	offlineLog *rateLimitedLogger

	updateMu sync.RWMutex
	onUpdate UpdateListener

	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

type outcomeKey struct{}

type Option func(*Service)

// WithStore makes the service use st instead of opening storage.path. The
// caller keeps ownership of st.
func WithStore(st *Store) Option { return func(s *Service) { s.store = st } }

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func WithHTTPClient(c *http.Client) Option { return func(s *Service) { s.httpClient = c } }

func WithLogger(l *zap.SugaredLogger) Option { return func(s *Service) { s.log = l } }

func WithRegistry(reg prometheus.Registerer) Option {
	return func(s *Service) { s.metrics = NewMetrics(reg) }
}

func WithReporter(r Reporter) Option { return func(s *Service) { s.reporter = r } }

func NewService(ctx context.Context, cfg Config, opts ...Option) (*Service, error) {
	origin, err := url.Parse(cfg.Server.Origin)
	if err != nil {
		return nil, errors.Wrap(err, "server.origin")
	}

	s := &Service{
		cfg:        cfg,
		log:        zap.NewNop().Sugar(),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		now:        time.Now,
		hot:        gocache.New(gocache.NoExpiration, 0),
		stopCh:     make(chan struct{}),
	}
	s.settled = make(chan struct{})
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = NewMetrics(nil)
	}
	if s.reporter == nil {
		s.reporter = logReporter{log: s.log}
	}
	s.offlineLog = newRateLimitedLogger(s.log, time.Minute)

	if s.store == nil {
		st, err := OpenStore(ctx, cfg.Storage.Path, s.log)
		if err != nil {
			return nil, err
		}
		s.store = st
		s.ownsStore = true
	}

	s.precache = newPartition(PrecachePartition, Policy{}, s.store, s.now)
	s.pending = newPartition(PendingPrecachePartition, Policy{}, s.store, s.now)
	s.table = strategyTable{}
	for class, sc := range map[Class]StrategyConfig{
		ClassNavigation:  cfg.Strategies.Navigation,
		ClassStaticAsset: cfg.Strategies.Static,
		ClassImage:       cfg.Strategies.Image,
	} {
		d := sc.descriptor()
		s.table[class] = strategy{
			order:         d.Order,
			partition:     newPartition(d.Partition, d.Policy, s.store, s.now),
			bypassCookies: d.BypassCookies,
		}
	}

	s.passthrough = httputil.NewSingleHostReverseProxy(origin)
	s.passthrough.Transport = s.httpClient.Transport
	s.passthrough.ModifyResponse = func(resp *http.Response) error {
		var outcome string
		if resp.Request != nil {
			outcome, _ = resp.Request.Context().Value(outcomeKey{}).(string)
		}
		if outcome == "" {
			outcome = OutcomeBypass
		}
		setBuzzHeaders(resp.Header, outcome)
		return nil
	}
	s.passthrough.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		s.offlineLog.Warnf("pass-through %s %s failed: %v", r.Method, r.URL.Path, err)
		setBuzzHeaders(w.Header(), "bad-gateway")
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}

	if every := cfg.LogStatsEvery(); every > 0 {
		s.stats = newStatsCollector()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(every)
		}()
	}

	return s, nil
}

// Close stops background loops and closes an owned store. Later calls
// return the first call's result.
func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopCh)
		s.wg.Wait()
		if s.ownsStore {
			s.closeErr = s.store.Close()
		}
	})
	return s.closeErr
}

func (s *Service) Handler() http.Handler {
	return http.HandlerFunc(s.handle)
}

func (s *Service) Config() Config { return s.cfg }

// Partition returns the runtime partition serving class.
func (s *Service) Partition(c Class) (*Partition, bool) {
	st, ok := s.table.lookup(c)
	if !ok {
		return nil, false
	}
	return st.partition, true
}

func (s *Service) PrecachePartition() *Partition { return s.precache }

func (s *Service) Store() *Store { return s.store }

func (s *Service) handle(w http.ResponseWriter, r *http.Request) {
	// Until activation the page is not controlled: everything goes to network.
	if !s.Controlling() {
		s.passthrough.ServeHTTP(w, r)
		return
	}

	if r.Method == http.MethodGet {
		if ent, ok := s.matchPrecache(r.URL.Path); ok {
			s.metrics.observeRequest(PrecachePartition, OutcomePrecache)
			s.writeEntryWithStats(w, ent, OutcomePrecache)
			return
		}
	}

	class := Classify(r)
	st, ok := s.table.lookup(class)
	if !ok {
		s.passthrough.ServeHTTP(w, r)
		return
	}

	if r.Header.Get("Authorization") != "" || hasAnyCookie(r, st.bypassCookies) {
		s.proxyPass(w, r, st.partition.Name(), OutcomeCredentialed)
		return
	}

	key := cacheKey(r)
	var (
		ent     CacheEntry
		outcome string
		err     error
	)
	switch st.order {
	case OrderNetworkFirst:
		ent, outcome, err = s.networkFirst(r, st.partition, key)
	default:
		ent, outcome, err = s.cacheFirst(r, st.partition, key)
	}
	if err != nil {
		s.metrics.observeRequest(st.partition.Name(), OutcomeOffline)
		s.offlineLog.Warnf("%s %s: %v", class, key, err)
		setBuzzHeaders(w.Header(), OutcomeOffline)
		http.Error(w, "network unavailable", http.StatusGatewayTimeout)
		return
	}
	s.metrics.observeRequest(st.partition.Name(), outcome)
	s.log.Debugw("served", logger.FieldKey, key, logger.FieldOutcome, outcome, logger.FieldStatus, ent.Status)
	s.writeEntryWithStats(w, ent, outcome)
}

// proxyPass forwards r to the origin untouched and tags the response with
// outcome.
func (s *Service) proxyPass(w http.ResponseWriter, r *http.Request, partition, outcome string) {
	s.metrics.observeRequest(partition, outcome)
	s.passthrough.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), outcomeKey{}, outcome)))
}

// cacheKey is the request URI; the query string is part of the key.
func cacheKey(r *http.Request) string {
	return r.URL.RequestURI()
}

func (s *Service) networkFirst(r *http.Request, part *Partition, key string) (CacheEntry, string, error) {
	ctx := r.Context()
	if t := s.cfg.Worker.NetworkTimeoutDuration(); t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}

	ent, err := s.fetchObserved(ctx, r, part.Name())
	if err == nil && ent.Status < http.StatusInternalServerError {
		if s.cacheable(ent) {
			s.put(part, key, ent)
		}
		return ent, OutcomeNetwork, nil
	}

	if cached, ok := part.Match(key); ok {
		return cached, OutcomeFallback, nil
	}
	if err == nil {
		// 5xx and nothing cached: the page sees the origin's answer.
		return ent, OutcomeNetwork, nil
	}
	return CacheEntry{}, "", errors.Mark(errors.Wrapf(err, "navigate %s", key), errors.ErrNetworkUnavailable)
}

func (s *Service) cacheFirst(r *http.Request, part *Partition, key string) (CacheEntry, string, error) {
	if ent, ok := part.Match(key); ok {
		return ent, OutcomeHit, nil
	}
	ent, err := s.fetchObserved(r.Context(), r, part.Name())
	if err != nil {
		return CacheEntry{}, "", errors.Mark(errors.Wrapf(err, "fetch %s", key), errors.ErrNetworkUnavailable)
	}
	if s.cacheable(ent) {
		s.put(part, key, ent)
	}
	return ent, OutcomeMiss, nil
}

func (s *Service) put(part *Partition, key string, ent CacheEntry) {
	ent.StoredAt = s.now().UnixNano()
	if err := part.Put(key, ent); err != nil {
		s.log.Warnw("cache write failed", logger.FieldPartition, part.Name(), logger.FieldKey, key, logger.FieldError, err)
	}
}

func (s *Service) cacheable(ent CacheEntry) bool {
	if ent.Status < 200 || ent.Status >= 300 {
		return false
	}
	// Partitions are shared by every page behind the worker, so anything
	// meant for one user stays out.
	cc := strings.ToLower(strings.Join(ent.Header.Values("Cache-Control"), ","))
	if strings.Contains(cc, "no-store") || strings.Contains(cc, "no-cache") || strings.Contains(cc, "private") {
		return false
	}
	if len(ent.Header.Values("Set-Cookie")) > 0 {
		return false
	}
	if limit := s.cfg.Storage.maxEntryBytes; limit > 0 && int64(len(ent.Body)) > limit {
		return false
	}
	return true
}

func (s *Service) matchPrecache(path string) (CacheEntry, bool) {
	candidates := []string{path}
	if strings.HasSuffix(path, "/") {
		candidates = append(candidates, path+"index.html")
	}
	for _, key := range candidates {
		if v, ok := s.hot.Get(key); ok {
			return v.(CacheEntry), true
		}
		if ent, ok := s.precache.Match(key); ok {
			s.hot.SetDefault(key, ent)
			return ent, true
		}
	}
	return CacheEntry{}, false
}

func (s *Service) fetchObserved(ctx context.Context, r *http.Request, partition string) (CacheEntry, error) {
	start := time.Now()
	ent, err := s.fetchFromOrigin(ctx, r.URL.RequestURI(), r.Header)
	if s.stats != nil {
		s.stats.ObserveFetch(partition, time.Since(start))
	}
	return ent, err
}

func (s *Service) fetchFromOrigin(ctx context.Context, uri string, hdr http.Header) (CacheEntry, error) {
	originURL := s.cfg.Server.Origin + uri
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, originURL, nil)
	if err != nil {
		return CacheEntry{}, err
	}
	copyHeaders(req.Header, hdr)
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return CacheEntry{}, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return CacheEntry{}, err
	}

	ent := CacheEntry{
		Status:   resp.StatusCode,
		Header:   cloneHeader(resp.Header),
		Body:     body,
		StoredAt: s.now().UnixNano(),
		Hash32:   crc32.ChecksumIEEE(body),
	}
	ent.Header.Del("Content-Length")
	return ent, nil
}

func writeEntry(w http.ResponseWriter, ent CacheEntry, outcome string) {
	for k, vs := range ent.Header {
		if strings.EqualFold(k, "x-buzz-cache") {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setBuzzHeaders(w.Header(), outcome)
	w.WriteHeader(ent.Status)
	_, _ = w.Write(ent.Body)
}

func setBuzzHeaders(h http.Header, outcome string) {
	if outcome != "" {
		h.Set("X-Buzz-Cache", outcome)
	}
	// Custom headers are invisible to page scripts under CORS unless exposed.
	ensureExposedHeader(h, "X-Buzz-Cache")
}

func ensureExposedHeader(h http.Header, name string) {
	if name == "" {
		return
	}

	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}

	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}

	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}

func (s *Service) writeEntryWithStats(w http.ResponseWriter, ent CacheEntry, outcome string) {
	writeEntry(w, ent, outcome)
	if s.stats != nil {
		s.stats.Observe(len(ent.Body))
	}
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Host") {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}
