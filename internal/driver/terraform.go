package driver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/rs/zerolog"

	"github.com/shehryarbajwa/labforge/internal/workspace"
	"github.com/shehryarbajwa/labforge/pkg/models"
)

const (
	varsFile  = "terraform.tfvars.json"
	stateFile = "terraform.tfstate"
)

// TerraformConfig configures the terraform driver
type TerraformConfig struct {
	WorkRoot       string
	Timeout        time.Duration
	DestroyTimeout time.Duration
}

// Terraform provisions sandboxes from per-account terraform templates.
// Each session gets its own working directory so that concurrent sessions
// never share state.
type Terraform struct {
	cfg     TerraformConfig
	runner  Runner
	archive workspace.Archive
	cleaner Cleaner
	log     zerolog.Logger
}

// NewTerraform creates a terraform driver. cleaner may be nil, in which case
// destroy has no direct API fallback.
func NewTerraform(cfg TerraformConfig, runner Runner, archive workspace.Archive, cleaner Cleaner, log zerolog.Logger) (*Terraform, error) {
	if runner == nil {
		return nil, fmt.Errorf("terraform runner is required")
	}
	if archive == nil {
		return nil, fmt.Errorf("workspace archive is required")
	}
	if cfg.WorkRoot == "" {
		cfg.WorkRoot = filepath.Join(os.TempDir(), "labforge-work")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if cfg.DestroyTimeout <= 0 {
		cfg.DestroyTimeout = cfg.Timeout
	}
	if err := os.MkdirAll(cfg.WorkRoot, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create work root: %w", err)
	}
	return &Terraform{
		cfg:     cfg,
		runner:  runner,
		archive: archive,
		cleaner: cleaner,
		log:     log,
	}, nil
}

// Provision runs init, apply and output in a fresh working directory.
func (t *Terraform) Provision(ctx context.Context, req ProvisionRequest) (*models.ProvisionResult, error) {
	ctx, cancel := context.WithTimeout(ctx, t.cfg.Timeout)
	defer cancel()

	log := t.log.With().Str("session", req.SessionID).Str("account", req.Account.ID).Logger()

	dir, err := t.workDir(req.SessionID)
	if err != nil {
		return nil, provisionErr(ctx, req.SessionID, "prepare", err)
	}
	vars := buildVars(req.Account, req.UserID, req.Lab, req.SessionID, req.Vars)
	if err := materialize(dir, req.Account.TemplateDir, vars); err != nil {
		return nil, provisionErr(ctx, req.SessionID, "prepare", err)
	}

	log.Info().Msg("initializing terraform")
	if err := t.runner.Init(ctx, dir, nil); err != nil {
		return nil, provisionErr(ctx, req.SessionID, "init", err)
	}

	log.Info().Msg("applying terraform configuration")
	applyErr := t.runner.Apply(ctx, dir, nil)
	// Partial applies leave state behind; keep it for destroy.
	t.saveArchive(req.SessionID, dir, log)
	if applyErr != nil {
		return nil, provisionErr(ctx, req.SessionID, "apply", applyErr)
	}

	outputs, err := t.runner.Output(ctx, dir, nil)
	if err != nil {
		return nil, provisionErr(ctx, req.SessionID, "output", err)
	}
	result, err := parseOutputs(outputs, req.Account)
	if err != nil {
		return nil, provisionErr(ctx, req.SessionID, "output", err)
	}

	log.Info().Str("principal", result.Username).Msg("terraform apply complete")
	return result, nil
}

// saveArchive runs on its own context so a timed-out apply still leaves a
// recoverable working directory behind.
func (t *Terraform) saveArchive(sessionID, dir string, log zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := t.archive.Save(ctx, sessionID, dir); err != nil {
		log.Warn().Err(err).Msg("failed to archive working directory")
	}
}

// Destroy tears down a session's resources. Terraform destroy is tried
// first; direct API cleanup takes over when terraform cannot prove the
// resources are gone.
func (t *Terraform) Destroy(ctx context.Context, req DestroyRequest) *models.DestroyReport {
	report := &models.DestroyReport{}
	log := t.log.With().Str("session", req.SessionID).Str("account", req.Account.ID).Logger()

	nothing, err := t.destroyDeclarative(ctx, req, log)
	report.Declarative.Attempted = true
	switch {
	case err != nil:
		report.Declarative.Error = err.Error()
		log.Warn().Err(err).Msg("terraform destroy failed")
	case nothing:
		report.Declarative.Succeeded = true
		report.Declarative.Nothing = true
	default:
		report.Declarative.Succeeded = true
	}

	knowsPrincipal := req.Known != nil && req.Known.Username != ""
	if err != nil || (nothing && knowsPrincipal) {
		report.Fallback = t.destroyDirect(ctx, req, report, log)
	}

	if report.Clean() {
		t.discard(req.SessionID, log)
	}
	return report
}

func (t *Terraform) destroyDeclarative(ctx context.Context, req DestroyRequest, log zerolog.Logger) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, t.cfg.DestroyTimeout)
	defer cancel()

	dir, err := t.workDir(req.SessionID)
	if err != nil {
		return false, err
	}

	if _, err := os.Stat(filepath.Join(dir, stateFile)); err != nil {
		err := t.archive.Restore(ctx, req.SessionID, dir)
		switch {
		case errors.Is(err, workspace.ErrNotFound):
			log.Debug().Msg("no archived working directory, re-materializing")
		case err != nil:
			log.Warn().Err(err).Msg("failed to restore working directory")
		}
	}

	vars := buildVars(req.Account, req.UserID, req.Lab, req.SessionID, nil)
	if err := materialize(dir, req.Account.TemplateDir, vars); err != nil {
		return false, err
	}

	if err := t.runner.Init(ctx, dir, nil); err != nil {
		return false, err
	}

	count, err := t.runner.StateResources(ctx, dir, nil)
	if err != nil {
		log.Warn().Err(err).Msg("failed to inspect state, destroying anyway")
	} else if count == 0 {
		return true, nil
	}

	log.Info().Int("resources", count).Msg("destroying terraform resources")
	if err := t.runner.Destroy(ctx, dir, nil); err != nil {
		if isBenignDestroyFailure(err) {
			log.Info().Err(err).Msg("terraform destroy treated as nothing to destroy")
			return true, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return false, fmt.Errorf("%w: %v", ctxErr, err)
		}
		return false, err
	}
	return false, nil
}

func (t *Terraform) destroyDirect(ctx context.Context, req DestroyRequest, report *models.DestroyReport, log zerolog.Logger) *models.TierResult {
	result := &models.TierResult{}
	if t.cleaner == nil {
		result.Error = "direct cleanup is not configured"
		return result
	}

	ctx, cancel := context.WithTimeout(ctx, t.cfg.DestroyTimeout)
	defer cancel()

	result.Attempted = true
	steps, err := t.cleaner.Cleanup(ctx, req.Account, req.Known)
	for _, step := range steps {
		report.AddStep(step)
	}
	if err != nil {
		result.Error = err.Error()
		log.Error().Err(err).Msg("direct cleanup failed")
		return result
	}
	result.Succeeded = true
	log.Info().Int("steps", len(steps)).Msg("direct cleanup complete")
	return result
}

func (t *Terraform) discard(sessionID string, log zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := t.archive.Delete(ctx, sessionID); err != nil {
		log.Warn().Err(err).Msg("failed to delete archived working directory")
	}
	if dir, err := t.workDir(sessionID); err == nil {
		if err := os.RemoveAll(dir); err != nil {
			log.Warn().Err(err).Msg("failed to remove working directory")
		}
	}
}

func (t *Terraform) workDir(sessionID string) (string, error) {
	if strings.TrimSpace(sessionID) == "" {
		return "", fmt.Errorf("session id is required")
	}
	dir, err := securejoin.SecureJoin(t.cfg.WorkRoot, sessionID)
	if err != nil {
		return "", fmt.Errorf("invalid working directory: %w", err)
	}
	return dir, nil
}

func buildVars(account models.CloudAccount, userID string, lab models.Lab, sessionID string, extra map[string]any) map[string]any {
	shortUser := userID
	if len(shortUser) > 8 {
		shortUser = shortUser[:8]
	}
	vars := map[string]any{
		"region":     account.Region,
		"access_key": account.AccessKeyID,
		"secret_key": account.SecretAccessKey,
		"account_id": account.ID,
		"user_id":    shortUser,
		"lab_id":     lab.ID,
		"session_id": sessionID,
		"enable_s3":  lab.HasCapability("s3"),
	}
	for k, v := range extra {
		if _, reserved := vars[k]; !reserved {
			vars[k] = v
		}
	}
	return vars
}

// materialize copies the template into dir and writes the variables file.
// Existing state files in dir are left untouched.
func materialize(dir, templateDir string, vars map[string]any) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create working directory: %w", err)
	}
	if templateDir != "" {
		if err := copyTemplate(templateDir, dir); err != nil {
			return fmt.Errorf("failed to copy template: %w", err)
		}
	}
	data, err := json.MarshalIndent(vars, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode variables: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, varsFile), data, 0o600); err != nil {
		return fmt.Errorf("failed to write variables: %w", err)
	}
	return nil
}

func copyTemplate(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".terraform" {
				return filepath.SkipDir
			}
			return os.MkdirAll(filepath.Join(dst, rel), 0o755)
		}
		if !d.Type().IsRegular() || strings.HasPrefix(d.Name(), stateFile) || d.Name() == varsFile {
			return nil
		}
		return copyFile(path, filepath.Join(dst, rel))
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func parseOutputs(outputs map[string]json.RawMessage, account models.CloudAccount) (*models.ProvisionResult, error) {
	str := func(name string) string {
		raw, ok := outputs[name]
		if !ok {
			return ""
		}
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return ""
		}
		return s
	}

	result := &models.ProvisionResult{
		AccountID:       str("account_id"),
		Username:        str("username"),
		Password:        str("password"),
		AccessKeyID:     str("access_key_id"),
		SecretAccessKey: str("secret_access_key"),
		SessionToken:    str("session_token"),
		Region:          str("region"),
		BucketName:      str("s3_bucket_name"),
	}

	var missing []string
	for name, value := range map[string]string{
		"username":          result.Username,
		"access_key_id":     result.AccessKeyID,
		"secret_access_key": result.SecretAccessKey,
	} {
		if value == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("terraform outputs missing %s", strings.Join(missing, ", "))
	}

	if result.AccountID == "" {
		result.AccountID = account.ID
	}
	if result.Region == "" {
		result.Region = account.Region
	}

	known := map[string]bool{
		"account_id": true, "username": true, "password": true, "access_key_id": true,
		"secret_access_key": true, "session_token": true, "region": true, "s3_bucket_name": true,
	}
	for name := range outputs {
		if known[name] {
			continue
		}
		if v := str(name); v != "" {
			if result.Resources == nil {
				result.Resources = map[string]string{}
			}
			result.Resources[name] = v
		}
	}
	return result, nil
}
