// Package session builds the rotating browser identities requests are sent
// under. Each identity owns a fingerprint, a cookie jar and a transport.
package session

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/net/publicsuffix"
)

// DefaultPoolSize is the number of identities built when Options.Size is 0.
const DefaultPoolSize = 10

type resolution struct{ w, h int }

var (
	resolutions = []resolution{
		{1920, 1080}, {1680, 1050}, {1536, 864}, {1440, 900},
		{1366, 768}, {2560, 1440}, {1600, 900}, {1280, 720},
	}
	pixelRatios   = []string{"1.0", "1.25", "1.5", "1.75", "2.0"}
	colorDepths   = []string{"24", "30", "32"}
	colorSchemes  = []string{"auto", "dark", "light"}
	browsers      = []string{"Chrome/127.0.0.0", "Chrome/126.0.0.0", "Chrome/125.0.0.0", "Firefox/128.0", "Firefox/127.0", "Safari/17.5"}
	osPlatforms   = []string{"Windows NT 10.0; Win64; x64", "Windows NT 11.0; Win64; x64", "Macintosh; Intel Mac OS X 10_15_7", "X11; Linux x86_64"}
	defaultAgent  = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/127.0.0.0 Safari/537.36"
	errNilBaseURL = errors.New("session: base url is required")
)

// Fingerprint is the randomized browser profile of one identity.
type Fingerprint struct {
	Width       int
	Height      int
	PixelRatio  string
	ColorDepth  string
	DarkScheme  bool
	SchemeMode  string
	Browser     string
	Platform    string
	UserAgent   string
	DeviceToken string
	Features    string
}

// Identity is one pool member.
type Identity struct {
	ID          int
	Fingerprint Fingerprint
	Headers     http.Header
	Jar         http.CookieJar
	Transport   *http.Transport
}

// Close drops the identity's idle connections.
func (i *Identity) Close() {
	if i != nil && i.Transport != nil {
		i.Transport.CloseIdleConnections()
	}
}

// Options configures a Pool.
type Options struct {
	Size    int
	BaseURL string
	// Rand drives fingerprint choices; nil uses a randomly seeded source.
	Rand   *rand.Rand
	Logger *zap.Logger
}

// Pool hands out identities in strict round-robin order.
type Pool struct {
	mu         sync.Mutex
	identities []*Identity
	next       int
	logger     *zap.Logger
}

// NewPool builds every identity up front.
func NewPool(opts Options) (*Pool, error) {
	base, err := parseBase(opts.BaseURL)
	if err != nil {
		return nil, err
	}
	size := opts.Size
	if size <= 0 {
		size = DefaultPoolSize
	}
	rnd := opts.Rand
	if rnd == nil {
		rnd = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pool{identities: make([]*Identity, 0, size), logger: logger}
	for i := 0; i < size; i++ {
		fp := randomFingerprint(rnd)
		id, err := newIdentity(i, base, fp)
		if err != nil {
			return nil, fmt.Errorf("build identity %d: %w", i, err)
		}
		logger.Debug("session identity ready",
			zap.Int("identity", i),
			zap.String("browser", fp.Browser),
			zap.String("resolution", fmt.Sprintf("%dx%d", fp.Width, fp.Height)),
		)
		p.identities = append(p.identities, id)
	}
	logger.Info("session pool initialized", zap.Int("size", size))
	return p, nil
}

// Acquire returns the next identity. There is no release step.
func (p *Pool) Acquire() *Identity {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.identities[p.next]
	p.next = (p.next + 1) % len(p.identities)
	return id
}

// Len reports the pool size.
func (p *Pool) Len() int {
	return len(p.identities)
}

// CloseAll closes idle connections of every identity.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range p.identities {
		id.Close()
	}
	p.logger.Debug("session pool closed", zap.Int("size", len(p.identities)))
}

// NewIdentity builds a one-off identity with the static default header and
// cookie set, used when the pool is disabled.
func NewIdentity(baseURL string) (*Identity, error) {
	base, err := parseBase(baseURL)
	if err != nil {
		return nil, err
	}
	fp := Fingerprint{
		Width:      1920,
		Height:     1080,
		PixelRatio: "1.0",
		ColorDepth: "24",
		SchemeMode: "auto",
		Browser:    "Chrome/127.0.0.0",
		Platform:   osPlatforms[0],
		UserAgent:  defaultAgent,
	}
	return newIdentity(-1, base, fp)
}

func parseBase(raw string) (*url.URL, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, errNilBaseURL
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("session: base url %q must be absolute", raw)
	}
	return u, nil
}

func pick[T any](rnd *rand.Rand, values []T) T {
	return values[rnd.IntN(len(values))]
}

func randomFingerprint(rnd *rand.Rand) Fingerprint {
	res := pick(rnd, resolutions)
	fp := Fingerprint{
		Width:      res.w,
		Height:     res.h,
		PixelRatio: pick(rnd, pixelRatios),
		ColorDepth: pick(rnd, colorDepths),
		DarkScheme: rnd.IntN(2) == 1,
		SchemeMode: pick(rnd, colorSchemes),
		Browser:    pick(rnd, browsers),
		Platform:   pick(rnd, osPlatforms),
	}
	fp.UserAgent = userAgent(fp.Browser, fp.Platform)

	var bits strings.Builder
	for i := 0; i < 14; i++ {
		bits.WriteByte('0' + byte(rnd.IntN(2)))
	}
	fp.Features = bits.String()

	var seed [16]byte
	for i := range seed {
		seed[i] = byte(rnd.IntN(256))
	}
	fp.DeviceToken = strings.ReplaceAll(uuid.Must(uuid.FromBytes(seed[:])).String(), "-", "")
	return fp
}

func userAgent(browser, platform string) string {
	version := browser[strings.IndexByte(browser, '/')+1:]
	switch {
	case strings.HasPrefix(browser, "Chrome"):
		return fmt.Sprintf("Mozilla/5.0 (%s) AppleWebKit/537.36 (KHTML, like Gecko) %s Safari/537.36", platform, browser)
	case strings.HasPrefix(browser, "Firefox"):
		return fmt.Sprintf("Mozilla/5.0 (%s; rv:%s) Gecko/20100101 Firefox/%s", platform, version, version)
	default:
		return fmt.Sprintf("Mozilla/5.0 (%s) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/%s Safari/605.1.15", platform, version)
	}
}

func newIdentity(id int, base *url.URL, fp Fingerprint) (*Identity, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}
	jar.SetCookies(base, fingerprintCookies(fp))
	return &Identity{
		ID:          id,
		Fingerprint: fp,
		Headers:     browserHeaders(fp, base),
		Jar:         jar,
		Transport:   newTransport(),
	}, nil
}

func fingerprintCookies(fp Fingerprint) []*http.Cookie {
	long := max(fp.Width, fp.Height)
	values := [][2]string{
		{"remixlang", "3"},
		{"remixscreen_width", strconv.Itoa(fp.Width)},
		{"remixscreen_height", strconv.Itoa(fp.Height)},
		{"remixscreen_dpr", fp.PixelRatio},
		{"remixscreen_depth", fp.ColorDepth},
		{"remixscreen_winzoom", "1"},
		{"remixscreen_orient", "1"},
		{"remixdark_color_scheme", boolFlag(fp.DarkScheme)},
		{"remixcolor_scheme_mode", fp.SchemeMode},
		{"remixrt", "0"},
		{"remixsf", "1"},
		{"remixdt", "0"},
		{"remixvkcom", "1"},
		{"remixmdevice", fmt.Sprintf("%d/%d/1/!!-!!!!!!!!/%d", fp.Width, fp.Height, long)},
	}
	if fp.Features != "" {
		values = append(values, [2]string{"remixff", fp.Features})
	}
	if fp.DeviceToken != "" {
		values = append(values, [2]string{"remixmvk-fp", fp.DeviceToken})
	}
	out := make([]*http.Cookie, 0, len(values))
	for _, kv := range values {
		out = append(out, &http.Cookie{Name: kv[0], Value: kv[1], Path: "/"})
	}
	return out
}

func boolFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func browserHeaders(fp Fingerprint, base *url.URL) http.Header {
	h := http.Header{}
	h.Set("User-Agent", fp.UserAgent)
	h.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	h.Set("Accept-Language", "en-US,en;q=0.5")
	h.Set("Sec-GPC", "1")
	h.Set("Upgrade-Insecure-Requests", "1")
	h.Set("Sec-Fetch-Dest", "document")
	h.Set("Sec-Fetch-Mode", "navigate")
	h.Set("Sec-Fetch-Site", "none")
	h.Set("Sec-Fetch-User", "?1")
	h.Set("DNT", "1")
	h.Set("Pragma", "no-cache")
	h.Set("Cache-Control", "no-cache")
	h.Set("Origin", base.Scheme+"://"+base.Host)
	return h
}

func newTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          20,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
	}
}
