// Package federation turns a credential bundle into a one-click web console
// sign-in link.
package federation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	"github.com/shehryarbajwa/labforge/pkg/models"
)

// ErrFederationFailed is returned when no sign-in link could be produced.
// It never affects session state; callers may retry.
var ErrFederationFailed = errors.New("console sign-in link could not be generated")

const (
	DefaultEndpoint = "https://signin.aws.amazon.com/federation"
	minDuration     = 15 * time.Minute
	maxDuration     = 12 * time.Hour
)

// allowAll scopes the federated session to whatever the lab principal
// itself is allowed to do.
const allowAll = `{"Version":"2012-10-17","Statement":[{"Effect":"Allow","Action":"*","Resource":"*"}]}`

// STSAPI is the subset of the STS client used here
type STSAPI interface {
	GetFederationToken(ctx context.Context, params *sts.GetFederationTokenInput, optFns ...func(*sts.Options)) (*sts.GetFederationTokenOutput, error)
}

// STSFactory builds an STS client authenticated as the bundle's principal
type STSFactory func(ctx context.Context, bundle *models.CredentialBundle) (STSAPI, error)

// Config configures the generator
type Config struct {
	Endpoint   string
	Issuer     string
	Duration   time.Duration
	HTTPClient *http.Client
	STS        STSFactory
	Now        func() time.Time
}

// Generator produces federated console links
type Generator struct {
	cfg Config
}

// NewGenerator creates a console link generator
func NewGenerator(cfg Config) *Generator {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.Issuer == "" {
		cfg.Issuer = "labforge"
	}
	if cfg.Duration <= 0 {
		cfg.Duration = time.Hour
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if cfg.STS == nil {
		cfg.STS = StaticSTS
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Generator{cfg: cfg}
}

// StaticSTS builds an STS client from the bundle's keys
func StaticSTS(ctx context.Context, bundle *models.CredentialBundle) (STSAPI, error) {
	region := bundle.Region
	if region == "" {
		region = "us-east-1"
	}
	cfg, err := config.LoadDefaultConfig(
		ctx,
		config.WithRegion(region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(bundle.AccessKeyID, bundle.SecretAccessKey, bundle.SessionToken)),
	)
	if err != nil {
		return nil, err
	}
	return sts.NewFromConfig(cfg), nil
}

type signinSession struct {
	SessionID    string `json:"sessionId"`
	SessionKey   string `json:"sessionKey"`
	SessionToken string `json:"sessionToken"`
}

type signinTokenResponse struct {
	SigninToken string `json:"SigninToken"`
}

// GenerateConsoleURL returns a sign-in link for the bundle and when it stops working
func (g *Generator) GenerateConsoleURL(ctx context.Context, region string, bundle *models.CredentialBundle) (string, time.Time, error) {
	if bundle == nil || bundle.AccessKeyID == "" || bundle.SecretAccessKey == "" {
		return "", time.Time{}, fmt.Errorf("%w: no credentials", ErrFederationFailed)
	}
	if region == "" {
		region = bundle.Region
	}

	now := g.cfg.Now()
	if !bundle.ExpiresAt.IsZero() && !now.Before(bundle.ExpiresAt) {
		return "", time.Time{}, fmt.Errorf("%w: credentials expired at %s", ErrFederationFailed, bundle.ExpiresAt.Format(time.RFC3339))
	}
	duration := g.duration(now, bundle.ExpiresAt)

	session := signinSession{
		SessionID:    bundle.AccessKeyID,
		SessionKey:   bundle.SecretAccessKey,
		SessionToken: bundle.SessionToken,
	}
	if session.SessionToken == "" {
		// Long-lived IAM user keys must be exchanged for a federated session first.
		fed, err := g.federationToken(ctx, bundle, duration)
		if err != nil {
			return "", time.Time{}, err
		}
		session = *fed
	}

	token, err := g.signinToken(ctx, session, duration)
	if err != nil {
		return "", time.Time{}, err
	}

	params := url.Values{}
	params.Set("Action", "login")
	params.Set("Issuer", g.cfg.Issuer)
	params.Set("Destination", fmt.Sprintf("https://%s.console.aws.amazon.com/", region))
	params.Set("SigninToken", token)

	expires := now.Add(duration)
	if !bundle.ExpiresAt.IsZero() && bundle.ExpiresAt.Before(expires) {
		// The sign-in token may outlive the bundle; report the bundle's expiry.
		expires = bundle.ExpiresAt
	}
	return g.cfg.Endpoint + "?" + params.Encode(), expires, nil
}

// duration is min(configured, remaining validity), clamped to what the
// federation endpoint accepts. The returned expiry is capped separately.
func (g *Generator) duration(now, expiresAt time.Time) time.Duration {
	d := g.cfg.Duration
	if !expiresAt.IsZero() {
		if remaining := expiresAt.Sub(now); remaining < d {
			d = remaining
		}
	}
	if d < minDuration {
		d = minDuration
	}
	if d > maxDuration {
		d = maxDuration
	}
	return d.Truncate(time.Second)
}

func (g *Generator) federationToken(ctx context.Context, bundle *models.CredentialBundle, duration time.Duration) (*signinSession, error) {
	client, err := g.cfg.STS(ctx, bundle)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFederationFailed, err)
	}

	name := bundle.Username
	if name == "" {
		name = bundle.AccessKeyID
	}
	if len(name) > 32 {
		name = name[:32]
	}

	out, err := client.GetFederationToken(ctx, &sts.GetFederationTokenInput{
		Name:            aws.String(name),
		DurationSeconds: aws.Int32(int32(duration / time.Second)),
		Policy:          aws.String(allowAll),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: get federation token: %v", ErrFederationFailed, err)
	}
	if out.Credentials == nil {
		return nil, fmt.Errorf("%w: federation token response had no credentials", ErrFederationFailed)
	}
	return &signinSession{
		SessionID:    aws.ToString(out.Credentials.AccessKeyId),
		SessionKey:   aws.ToString(out.Credentials.SecretAccessKey),
		SessionToken: aws.ToString(out.Credentials.SessionToken),
	}, nil
}

func (g *Generator) signinToken(ctx context.Context, session signinSession, duration time.Duration) (string, error) {
	sessionJSON, err := json.Marshal(session)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrFederationFailed, err)
	}

	params := url.Values{}
	params.Set("Action", "getSigninToken")
	params.Set("Session", string(sessionJSON))
	params.Set("SessionDuration", strconv.Itoa(int(duration/time.Second)))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.cfg.Endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrFederationFailed, err)
	}
	resp, err := g.cfg.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrFederationFailed, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrFederationFailed, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("%w: signin endpoint returned %d: %s", ErrFederationFailed, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var result signinTokenResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("%w: %v", ErrFederationFailed, err)
	}
	if result.SigninToken == "" {
		return "", fmt.Errorf("%w: no SigninToken in response", ErrFederationFailed)
	}
	return result.SigninToken, nil
}
