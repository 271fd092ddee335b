package archive

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"klinevault/internal/market"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleRow = "1704067200000,42283.58,42554.57,42283.58,42475.23,1271.68108,1704070799999,53957248.9,47134,682.57581,28957416.8,0\n"

type servedFile struct {
	body []byte
	etag string
}

type fakeArchive struct {
	mu          sync.Mutex
	files       map[string]servedFile
	status      map[string]int
	bodyBytes   int64
	conditional int
	requests    []string
}

func newFakeArchive() *fakeArchive {
	return &fakeArchive{files: map[string]servedFile{}, status: map[string]int{}}
}

func (a *fakeArchive) serve(key Key, body []byte, etag string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.files["/"+key.URLPath()] = servedFile{body: body, etag: etag}
}

func (a *fakeArchive) serveRaw(path string, body []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.files[path] = servedFile{body: body}
}

func (a *fakeArchive) fail(path string, code int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.status[path] = code
}

func (a *fakeArchive) stats() (bodyBytes int64, conditional, requests int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.bodyBytes, a.conditional, len(a.requests)
}

func (a *fakeArchive) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.requests = append(a.requests, r.URL.Path)
	if code, ok := a.status[r.URL.Path]; ok {
		w.WriteHeader(code)
		return
	}
	f, ok := a.files[r.URL.Path]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if inm := r.Header.Get("If-None-Match"); inm != "" {
		a.conditional++
		if inm == f.etag {
			w.WriteHeader(http.StatusNotModified)
			return
		}
	}
	if f.etag != "" {
		w.Header().Set("ETag", f.etag)
	}
	n, _ := w.Write(f.body)
	a.bodyBytes += int64(n)
}

func (a *fakeArchive) requested(fragment string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, p := range a.requests {
		if strings.Contains(p, fragment) {
			return true
		}
	}
	return false
}

func zipCSV(t *testing.T, name, content string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create(name)
	require.NoError(t, err)
	_, err = w.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func newTestFetcher(t *testing.T, srv *httptest.Server, cache *CacheStore, now time.Time, mutate func(*Config)) *Fetcher {
	t.Helper()
	cfg := Config{BaseURL: srv.URL, Timeout: 5 * time.Second, Retries: 0}
	if mutate != nil {
		mutate(&cfg)
	}
	f, err := NewFetcher(cfg, cache)
	require.NoError(t, err)
	f.SetClock(func() time.Time { return now })
	return f
}

func btcRequest(p Period) Request {
	return Request{Instrument: market.InstrumentSpot, Symbol: "BTCUSDT", Interval: "1h", Period: p}
}

func TestFetchPeriodNotModifiedTransfersNothing(t *testing.T) {
	fake := newFakeArchive()
	srv := httptest.NewServer(fake)
	defer srv.Close()

	jan := MonthOf(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	payload := zipCSV(t, "BTCUSDT-1h-2024-01.csv", sampleRow)
	fake.serve(btcRequest(jan).key(jan), payload, `"etag-jan"`)

	cache, err := NewCacheStore(t.TempDir())
	require.NoError(t, err)
	now := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	f := newTestFetcher(t, srv, cache, now, nil)

	first, err := f.FetchPeriod(context.Background(), btcRequest(jan))
	require.NoError(t, err)
	assert.Equal(t, Monthly, first.Granularity)
	assert.Equal(t, `"etag-jan"`, first.ETag)
	assert.Equal(t, int64(len(payload)), first.Downloaded)
	transferred, _, _ := fake.stats()

	second, err := f.FetchPeriod(context.Background(), btcRequest(jan))
	require.NoError(t, err)
	afterBytes, conditional, _ := fake.stats()
	assert.Equal(t, 1, conditional, "closed period is revalidated with its etag")
	assert.Equal(t, transferred, afterBytes, "304 carries no body")
	assert.Equal(t, 1, second.Revalidated)
	assert.Zero(t, second.Downloaded)
	assert.Equal(t, first.Payload, second.Payload)

	cached, ok := cache.Get(btcRequest(jan).key(jan))
	require.True(t, ok)
	assert.Equal(t, payload, cached.Payload, "cached archive is byte-identical to the original fetch")
}

func TestFetchPeriodTrustClosedPeriodsSkipsNetwork(t *testing.T) {
	fake := newFakeArchive()
	srv := httptest.NewServer(fake)
	defer srv.Close()

	jan := MonthOf(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	fake.serve(btcRequest(jan).key(jan), zipCSV(t, "a.csv", sampleRow), `"x"`)
	cache, err := NewCacheStore("")
	require.NoError(t, err)
	f := newTestFetcher(t, srv, cache, time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC), func(c *Config) {
		c.TrustClosedPeriods = true
	})

	_, err = f.FetchPeriod(context.Background(), btcRequest(jan))
	require.NoError(t, err)
	_, err = f.FetchPeriod(context.Background(), btcRequest(jan))
	require.NoError(t, err)
	_, _, requests := fake.stats()
	assert.Equal(t, 1, requests)
}

func TestFetchPeriodOpenMonthUsesClosedDays(t *testing.T) {
	fake := newFakeArchive()
	srv := httptest.NewServer(fake)
	defer srv.Close()

	now := time.Date(2024, 3, 3, 12, 0, 0, 0, time.UTC)
	march := MonthOf(now)
	req := btcRequest(march)
	for _, day := range []int{1, 2, 3} {
		p := DayOf(time.Date(2024, 3, day, 0, 0, 0, 0, time.UTC))
		fake.serve(req.key(p), zipCSV(t, "d.csv", sampleRow), "")
	}

	cache, err := NewCacheStore("")
	require.NoError(t, err)
	f := newTestFetcher(t, srv, cache, now, nil)

	res, err := f.FetchPeriod(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, Daily, res.Granularity)
	assert.Equal(t, 2, res.Files)
	assert.Equal(t, sampleRow+sampleRow, string(res.Payload))
	assert.False(t, fake.requested("monthly"), "the open month is never fetched as a monthly file")
	assert.False(t, fake.requested("2024-03-03"), "today's daily file is not published yet")
}

func TestFetchPeriodMissingMonthFallsBackToDays(t *testing.T) {
	fake := newFakeArchive()
	srv := httptest.NewServer(fake)
	defer srv.Close()

	feb := MonthOf(time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC))
	req := btcRequest(feb)
	fake.serve(req.key(DayOf(time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC))), zipCSV(t, "a.csv", sampleRow), "")
	fake.serve(req.key(DayOf(time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC))), zipCSV(t, "b.csv", sampleRow), "")

	cache, err := NewCacheStore("")
	require.NoError(t, err)
	f := newTestFetcher(t, srv, cache, time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC), nil)

	res, err := f.FetchPeriod(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, Daily, res.Granularity)
	assert.Equal(t, 2, res.Files)
	assert.Len(t, res.Missing, 27)
	assert.True(t, fake.requested("monthly"))
}

func TestFetchPeriodFailuresAreNotFatal(t *testing.T) {
	fake := newFakeArchive()
	srv := httptest.NewServer(fake)
	defer srv.Close()

	dec := MonthOf(time.Date(2023, 12, 1, 0, 0, 0, 0, time.UTC))
	req := btcRequest(dec)
	fake.fail("/"+req.key(dec).URLPath(), http.StatusBadGateway)

	cache, err := NewCacheStore("")
	require.NoError(t, err)
	f := newTestFetcher(t, srv, cache, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), nil)

	res, err := f.FetchPeriod(context.Background(), req)
	require.NoError(t, err)
	assert.Empty(t, res.Payload)
	assert.Equal(t, []string{req.key(dec).String()}, res.Missing)
	assert.False(t, fake.requested("daily"), "transport failures do not trigger the daily fallback")
}

func TestFetchPeriodChecksum(t *testing.T) {
	fake := newFakeArchive()
	srv := httptest.NewServer(fake)
	defer srv.Close()

	jan := MonthOf(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	feb := MonthOf(time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC))
	janPayload := zipCSV(t, "jan.csv", sampleRow)
	febPayload := zipCSV(t, "feb.csv", sampleRow)
	sum := sha256.Sum256(janPayload)

	janKey := btcRequest(jan).key(jan)
	febKey := btcRequest(feb).key(feb)
	fake.serve(janKey, janPayload, "")
	fake.serveRaw("/"+janKey.URLPath()+".CHECKSUM", []byte(hex.EncodeToString(sum[:])+"  "+janKey.FileName()+"\n"))
	fake.serve(febKey, febPayload, "")
	fake.serveRaw("/"+febKey.URLPath()+".CHECKSUM", []byte(strings.Repeat("0", 64)+"  "+febKey.FileName()+"\n"))

	cache, err := NewCacheStore("")
	require.NoError(t, err)
	f := newTestFetcher(t, srv, cache, time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC), func(c *Config) {
		c.VerifyChecksum = true
	})

	ok, err := f.FetchPeriod(context.Background(), btcRequest(jan))
	require.NoError(t, err)
	assert.Equal(t, 1, ok.Files)

	bad, err := f.FetchPeriod(context.Background(), btcRequest(feb))
	require.NoError(t, err)
	assert.Empty(t, bad.Payload)
	assert.Equal(t, []string{febKey.String()}, bad.Missing)
	_, cached := cache.Get(febKey)
	assert.False(t, cached, "a payload failing its checksum is never cached")
}

func TestFetchPeriodCancelled(t *testing.T) {
	cache, err := NewCacheStore("")
	require.NoError(t, err)
	f, err := NewFetcher(Config{BaseURL: "http://127.0.0.1:1"}, cache)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = f.FetchPeriod(ctx, btcRequest(MonthOf(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestExtractCSV(t *testing.T) {
	plain, err := extractCSV([]byte("a,b\n"))
	require.NoError(t, err)
	assert.Equal(t, "a,b\n", string(plain))

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, member := range []struct{ name, body string }{
		{"one.csv", "1,2"},
		{"readme.txt", "ignored"},
		{"two.CSV", "3,4\n"},
	} {
		w, err := zw.Create(member.name)
		require.NoError(t, err)
		_, err = w.Write([]byte(member.body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())

	out, err := extractCSV(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, "1,2\n3,4\n", string(out))

	_, err = extractCSV([]byte("PK-not-really-a-zip"))
	assert.Error(t, err)
}
