package identity

import (
	"fmt"
	"math/rand"
	"strings"
	"sync"

	http "github.com/bogdanfinn/fhttp"
	"github.com/google/uuid"
)

// ExtensionOrigin is the origin the remote service uses to recognise the
// browser-extension integration.
const ExtensionOrigin = "chrome-extension://lgmpfmgeabnnlemejacfljbmonaomfmm"

type platform int

const (
	windows platform = iota
	macOS
	linux
)

func (p platform) String() string {
	switch p {
	case windows:
		return "Windows"
	case macOS:
		return "macOS"
	default:
		return "Linux"
	}
}

type Profile struct {
	ua       string
	secCHUA  string
	platform platform
	langIdx  int
	encIdx   int
}

var (
	langOpts = []string{
		"en-US,en;q=0.5",
		"en-US,en;q=0.9",
		"en-GB,en;q=0.9,en-US;q=0.8",
		"en-US,en;q=0.9,es;q=0.8",
		"en,en-US;q=0.9",
	}
	encOpts = []string{
		"gzip, deflate, br",
		"gzip, deflate, br, zstd",
	}

	headerOrder = []string{
		"Authorization",
		"Content-Type",
		"Accept",
		"Accept-Language",
		"Accept-Encoding",
		"User-Agent",
		"Sec-CH-UA",
		"Sec-CH-UA-Mobile",
		"Sec-CH-UA-Platform",
		"Origin",
		"Sec-Fetch-Site",
		"Sec-Fetch-Mode",
		"Sec-Fetch-Dest",
		"Priority",
	}
)

var profilePool = sync.Pool{
	New: func() interface{} {
		return generateProfile()
	},
}

// NewBrowserID returns a fresh browser id. The remote service correlates
// pings to a session by it, so callers keep it for the session lifetime.
func NewBrowserID() string {
	return uuid.NewString()
}

// RandomSignature returns a desktop User-Agent. Every call draws a new one.
func RandomSignature() string {
	ua, _ := generateRandomUA()
	return ua
}

func osToken(p platform) string {
	switch p {
	case windows:
		return "Windows NT 10.0; Win64; x64"
	case macOS:
		return fmt.Sprintf("Macintosh; Intel Mac OS X 10_15_%d", rand.Intn(8))
	default:
		return "X11; Linux x86_64"
	}
}

func generateRandomUA() (string, platform) {
	p := platform(rand.Intn(3))
	osPart := osToken(p)

	switch n := rand.Intn(10); {
	case n < 7: // Chrome
		maj := rand.Intn(11) + 120
		return fmt.Sprintf(
			"Mozilla/5.0 (%s) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/%d.0.%d.%d Safari/537.36",
			osPart, maj, rand.Intn(6000)+1000, rand.Intn(200),
		), p
	case n < 9: // Edge
		maj := rand.Intn(11) + 120
		build := rand.Intn(3000) + 2000
		return fmt.Sprintf(
			"Mozilla/5.0 (%s) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/%d.0.0.0 Safari/537.36 Edg/%d.0.%d.%d",
			osPart, maj, maj, build, rand.Intn(100),
		), p
	default: // Firefox
		rv := rand.Intn(16) + 115
		ffOS := osPart
		if p == macOS {
			ffOS = fmt.Sprintf("Macintosh; Intel Mac OS X 10.%d", rand.Intn(3)+13)
		}
		return fmt.Sprintf(
			"Mozilla/5.0 (%s; rv:%d.0) Gecko/20100101 Firefox/%d.0",
			ffOS, rv, rv,
		), p
	}
}

// generateSecCHUA returns "" for browsers that do not send client hints.
func generateSecCHUA(ua string) string {
	idx := strings.Index(ua, "Chrome/")
	if idx == -1 {
		return ""
	}
	rest := ua[idx+7:]
	ver := rest
	if j := strings.Index(rest, "."); j != -1 {
		ver = rest[:j]
	}
	brand := "Google Chrome"
	if strings.Contains(ua, "Edg/") {
		brand = "Microsoft Edge"
	}
	return fmt.Sprintf(
		`"Not:A-Brand";v="24", "Chromium";v="%s", "%s";v="%s"`,
		ver, brand, ver,
	)
}

func generateProfile() Profile {
	ua, p := generateRandomUA()
	return Profile{
		ua:       ua,
		secCHUA:  generateSecCHUA(ua),
		platform: p,
		langIdx:  rand.Intn(len(langOpts)),
		encIdx:   rand.Intn(len(encOpts)),
	}
}

// BuildHeaders returns the request headers for one outbound call. The
// signature part comes from a pooled profile so consecutive calls differ.
func BuildHeaders(token string) http.Header {
	profile := profilePool.Get().(Profile)
	// used profiles are not returned to the pool; refill with a fresh one
	defer profilePool.Put(generateProfile())

	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)
	h.Set("Content-Type", "application/json")
	h.Set("Accept", "application/json")
	h.Set("Accept-Language", langOpts[profile.langIdx])
	h.Set("Accept-Encoding", encOpts[profile.encIdx])
	h.Set("User-Agent", profile.ua)
	if profile.secCHUA != "" {
		h.Set("Sec-CH-UA", profile.secCHUA)
		h.Set("Sec-CH-UA-Mobile", "?0")
		h.Set("Sec-CH-UA-Platform", `"`+profile.platform.String()+`"`)
	}
	h.Set("Origin", ExtensionOrigin)
	h.Set("Sec-Fetch-Site", "none")
	h.Set("Sec-Fetch-Mode", "cors")
	h.Set("Sec-Fetch-Dest", "empty")
	h.Set("Priority", "u=1, i")

	h[http.HeaderOrderKey] = headerOrder

	return h
}

func InitProfilePool(count int) {
	for i := 0; i < count; i++ {
		profilePool.Put(generateProfile())
	}
}
