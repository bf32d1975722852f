package federation

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	ststypes "github.com/aws/aws-sdk-go-v2/service/sts/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shehryarbajwa/labforge/pkg/models"
)

type fakeSTS struct {
	input *sts.GetFederationTokenInput
	err   error
}

func (f *fakeSTS) GetFederationToken(ctx context.Context, params *sts.GetFederationTokenInput, optFns ...func(*sts.Options)) (*sts.GetFederationTokenOutput, error) {
	f.input = params
	if f.err != nil {
		return nil, f.err
	}
	return &sts.GetFederationTokenOutput{Credentials: &ststypes.Credentials{
		AccessKeyId:     aws.String("ASIAFED"),
		SecretAccessKey: aws.String("fed-secret"),
		SessionToken:    aws.String("fed-token"),
	}}, nil
}

type signinServer struct {
	*httptest.Server
	lastSession  signinSession
	lastDuration string
}

func newSigninServer(t *testing.T, handler func(w http.ResponseWriter)) *signinServer {
	s := &signinServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "getSigninToken", q.Get("Action"))
		_ = json.Unmarshal([]byte(q.Get("Session")), &s.lastSession)
		s.lastDuration = q.Get("SessionDuration")
		handler(w)
	}))
	t.Cleanup(s.Close)
	return s
}

func okToken(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"SigninToken":"tok-123"}`))
}

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestGenerateConsoleURL_WithSessionToken(t *testing.T) {
	srv := newSigninServer(t, okToken)
	stsClient := &fakeSTS{}
	g := NewGenerator(Config{
		Endpoint: srv.URL,
		Issuer:   "labforge-test",
		STS:      func(context.Context, *models.CredentialBundle) (STSAPI, error) { return stsClient, nil },
		Now:      func() time.Time { return fixedNow },
	})

	bundle := &models.CredentialBundle{
		AccessKeyID:     "ASIALAB",
		SecretAccessKey: "secret",
		SessionToken:    "token",
		Region:          "eu-west-1",
		ExpiresAt:       fixedNow.Add(2 * time.Hour),
	}
	link, expires, err := g.GenerateConsoleURL(context.Background(), "eu-west-1", bundle)
	require.NoError(t, err)

	assert.Nil(t, stsClient.input, "bundles with a session token skip STS")
	assert.Equal(t, "ASIALAB", srv.lastSession.SessionID)
	assert.Equal(t, "3600", srv.lastDuration)
	assert.Equal(t, fixedNow.Add(time.Hour), expires)

	u, err := url.Parse(link)
	require.NoError(t, err)
	q := u.Query()
	assert.Equal(t, "login", q.Get("Action"))
	assert.Equal(t, "labforge-test", q.Get("Issuer"))
	assert.Equal(t, "https://eu-west-1.console.aws.amazon.com/", q.Get("Destination"))
	assert.Equal(t, "tok-123", q.Get("SigninToken"))
}

func TestGenerateConsoleURL_ExchangesUserKeys(t *testing.T) {
	srv := newSigninServer(t, okToken)
	stsClient := &fakeSTS{}
	g := NewGenerator(Config{
		Endpoint: srv.URL,
		STS:      func(context.Context, *models.CredentialBundle) (STSAPI, error) { return stsClient, nil },
		Now:      func() time.Time { return fixedNow },
	})

	bundle := &models.CredentialBundle{
		Username:        "lab-user-with-a-really-long-generated-name",
		AccessKeyID:     "AKIALAB",
		SecretAccessKey: "secret",
		Region:          "us-east-1",
		ExpiresAt:       fixedNow.Add(30 * time.Minute),
	}
	_, _, err := g.GenerateConsoleURL(context.Background(), "", bundle)
	require.NoError(t, err)

	require.NotNil(t, stsClient.input)
	assert.Len(t, aws.ToString(stsClient.input.Name), 32)
	assert.EqualValues(t, 1800, aws.ToInt32(stsClient.input.DurationSeconds))
	assert.Equal(t, "ASIAFED", srv.lastSession.SessionID)
	assert.Equal(t, "fed-token", srv.lastSession.SessionToken)
}

func TestGenerateConsoleURL_DurationFloor(t *testing.T) {
	srv := newSigninServer(t, okToken)
	g := NewGenerator(Config{Endpoint: srv.URL, Now: func() time.Time { return fixedNow }})

	bundle := &models.CredentialBundle{
		AccessKeyID: "ASIALAB", SecretAccessKey: "s", SessionToken: "t",
		ExpiresAt: fixedNow.Add(2 * time.Minute),
	}
	_, expires, err := g.GenerateConsoleURL(context.Background(), "us-east-1", bundle)
	require.NoError(t, err)
	assert.Equal(t, "900", srv.lastDuration)
	assert.Equal(t, bundle.ExpiresAt, expires, "link never outlives the credentials")
}

func TestGenerateConsoleURL_ExpiredBundle(t *testing.T) {
	srv := newSigninServer(t, okToken)
	g := NewGenerator(Config{Endpoint: srv.URL, Now: func() time.Time { return fixedNow }})

	bundle := &models.CredentialBundle{
		AccessKeyID: "ASIALAB", SecretAccessKey: "s", SessionToken: "t",
		ExpiresAt: fixedNow.Add(-time.Second),
	}
	_, _, err := g.GenerateConsoleURL(context.Background(), "us-east-1", bundle)
	assert.ErrorIs(t, err, ErrFederationFailed)
	assert.Empty(t, srv.lastDuration, "no sign-in token is requested for expired credentials")
}

func TestGenerateConsoleURL_Failures(t *testing.T) {
	bundle := &models.CredentialBundle{AccessKeyID: "ASIALAB", SecretAccessKey: "s", SessionToken: "t"}

	t.Run("non-2xx", func(t *testing.T) {
		srv := newSigninServer(t, func(w http.ResponseWriter) {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte("bad session"))
		})
		_, _, err := NewGenerator(Config{Endpoint: srv.URL}).GenerateConsoleURL(context.Background(), "us-east-1", bundle)
		assert.ErrorIs(t, err, ErrFederationFailed)
	})

	t.Run("missing token", func(t *testing.T) {
		srv := newSigninServer(t, func(w http.ResponseWriter) {
			_, _ = w.Write([]byte(`{}`))
		})
		_, _, err := NewGenerator(Config{Endpoint: srv.URL}).GenerateConsoleURL(context.Background(), "us-east-1", bundle)
		assert.ErrorIs(t, err, ErrFederationFailed)
	})

	t.Run("sts error", func(t *testing.T) {
		srv := newSigninServer(t, okToken)
		g := NewGenerator(Config{
			Endpoint: srv.URL,
			STS: func(context.Context, *models.CredentialBundle) (STSAPI, error) {
				return &fakeSTS{err: errors.New("AccessDenied")}, nil
			},
		})
		_, _, err := g.GenerateConsoleURL(context.Background(), "us-east-1",
			&models.CredentialBundle{AccessKeyID: "AKIA", SecretAccessKey: "s"})
		assert.ErrorIs(t, err, ErrFederationFailed)
	})

	t.Run("no credentials", func(t *testing.T) {
		_, _, err := NewGenerator(Config{}).GenerateConsoleURL(context.Background(), "us-east-1", nil)
		assert.ErrorIs(t, err, ErrFederationFailed)
	})
}
