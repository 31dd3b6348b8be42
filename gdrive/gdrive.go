// Package gdrive implements drivecache.Remote on top of the Google Drive v3 API.
package gdrive

import (
	"context"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"
)

// Authenticator represents any struct which can create an access token on demand.
type Authenticator interface {
	AccessToken() (string, int64, error)
}

type tokenSource struct {
	auth Authenticator
}

func (ts *tokenSource) Token() (*oauth2.Token, error) {
	accessToken, expiry, err := ts.auth.AccessToken()
	if err != nil {
		return nil, err
	}

	token := &oauth2.Token{
		AccessToken: accessToken,
		TokenType:   "Bearer",
	}

	if expiry > 0 {
		token.Expiry = time.Unix(expiry, 0)
	}

	return token, nil
}

// TokenSource turns an Authenticator into an oauth2.TokenSource.
// Tokens are reused until they expire.
func TokenSource(auth Authenticator) oauth2.TokenSource {
	return oauth2.ReuseTokenSource(nil, &tokenSource{auth: auth})
}

// NewService creates a Drive service authenticating every request with auth.
func NewService(ctx context.Context, auth Authenticator, opts ...option.ClientOption) (*drive.Service, error) {
	client := oauth2.NewClient(ctx, TokenSource(auth))
	client.Timeout = 15 * time.Second

	opts = append([]option.ClientOption{option.WithHTTPClient(client)}, opts...)
	return drive.NewService(ctx, opts...)
}

// Default values of the Fetcher options.
const (
	DefaultRateLimit = 10
	DefaultPageSize  = 1000

	// DefaultChannelTTL is the longest lifetime Google grants a files.watch channel.
	// Without it, Google picks one hour.
	DefaultChannelTTL = 24 * time.Hour
)

// Fetcher talks to Google Drive.
//
// All calls share a single rate limiter. Server errors are retried
// with exponential backoff, rate limits are returned to the caller.
type Fetcher struct {
	service  *drive.Service
	limiter  *rate.Limiter
	driveID  string
	pageSize int64
	backoff  func() backoff.BackOff

	channelTTL time.Duration
	now        func() time.Time
}

// An Option can override some of the default Fetcher values.
type Option func(*Fetcher)

// WithDriveID restricts the change log to a single Shared Drive.
func WithDriveID(driveID string) Option {
	return func(fetch *Fetcher) {
		fetch.driveID = driveID
	}
}

// WithRateLimit overrides the number of requests per second.
func WithRateLimit(rps float64, burst int) Option {
	return func(fetch *Fetcher) {
		fetch.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithPageSize overrides the page size of listings.
func WithPageSize(size int64) Option {
	return func(fetch *Fetcher) {
		fetch.pageSize = size
	}
}

// WithBackOff overrides the retry policy of server errors.
func WithBackOff(policy func() backoff.BackOff) Option {
	return func(fetch *Fetcher) {
		fetch.backoff = policy
	}
}

// WithChannelTTL overrides the lifetime requested for new watch channels.
// Google may grant a shorter lifetime than requested.
func WithChannelTTL(ttl time.Duration) Option {
	return func(fetch *Fetcher) {
		fetch.channelTTL = ttl
	}
}

// WithClock overrides the clock the channel expiration is computed with.
func WithClock(now func() time.Time) Option {
	return func(fetch *Fetcher) {
		fetch.now = now
	}
}

func defaultBackOff() backoff.BackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Second
	policy.MaxInterval = 32 * time.Second
	policy.MaxElapsedTime = 2 * time.Minute

	return backoff.WithMaxRetries(policy, 6)
}

// New creates a Fetcher on top of an existing Drive service.
func New(service *drive.Service, opts ...Option) *Fetcher {
	fetch := &Fetcher{
		service:  service,
		limiter:  rate.NewLimiter(DefaultRateLimit, DefaultRateLimit),
		pageSize: DefaultPageSize,
		backoff:  defaultBackOff,

		channelTTL: DefaultChannelTTL,
		now:        time.Now,
	}

	for _, opt := range opts {
		opt(fetch)
	}

	return fetch
}

// NewWithClient creates a Fetcher which sends its requests with client to endpoint.
// It is mostly useful for tests and proxies.
func NewWithClient(ctx context.Context, client *http.Client, endpoint string, opts ...Option) (*Fetcher, error) {
	service, err := drive.NewService(ctx,
		option.WithHTTPClient(client),
		option.WithEndpoint(endpoint),
	)
	if err != nil {
		return nil, err
	}

	return New(service, opts...), nil
}
