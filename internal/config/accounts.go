package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"gopkg.in/yaml.v3"

	"github.com/shehryarbajwa/labforge/pkg/models"
)

// Pool is the account pool and lab catalog read from the accounts file
type Pool struct {
	Accounts []models.CloudAccount
	Labs     map[string]models.Lab
}

type accountEntry struct {
	ID                 string `hcl:"id,label" yaml:"id" toml:"id"`
	Name               string `hcl:"name,optional" yaml:"name" toml:"name"`
	Region             string `hcl:"region" yaml:"region" toml:"region"`
	AccessKeyID        string `hcl:"access_key_id,optional" yaml:"access_key_id" toml:"access_key_id"`
	AccessKeyIDEnv     string `hcl:"access_key_id_env,optional" yaml:"access_key_id_env" toml:"access_key_id_env"`
	SecretAccessKey    string `hcl:"secret_access_key,optional" yaml:"secret_access_key" toml:"secret_access_key"`
	SecretAccessKeyEnv string `hcl:"secret_access_key_env,optional" yaml:"secret_access_key_env" toml:"secret_access_key_env"`
	TemplateDir        string `hcl:"template_dir" yaml:"template_dir" toml:"template_dir"`
}

type labEntry struct {
	ID           string   `hcl:"id,label" yaml:"id" toml:"id"`
	Duration     string   `hcl:"duration,optional" yaml:"duration" toml:"duration"`
	Capabilities []string `hcl:"capabilities,optional" yaml:"capabilities" toml:"capabilities"`
}

type poolFile struct {
	Accounts []accountEntry `hcl:"account,block" yaml:"accounts" toml:"accounts"`
	Labs     []labEntry     `hcl:"lab,block" yaml:"labs" toml:"labs"`
}

// LoadPool reads the accounts file. The format follows the extension:
// .hcl, .yaml/.yml or .toml. Relative template dirs resolve against the
// file's directory.
func LoadPool(path string) (*Pool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read accounts file: %w", err)
	}

	var f poolFile
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".hcl":
		file, diags := hclparse.NewParser().ParseHCL(data, path)
		if diags.HasErrors() {
			return nil, fmt.Errorf("failed to parse HCL file %s: %w", path, diags)
		}
		if diags := gohcl.DecodeBody(file.Body, nil, &f); diags.HasErrors() {
			return nil, fmt.Errorf("failed to decode HCL file %s: %w", path, diags)
		}
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&f); err != nil {
			return nil, fmt.Errorf("failed to decode YAML file %s: %w", path, err)
		}
	case ".toml":
		md, err := toml.Decode(string(data), &f)
		if err != nil {
			return nil, fmt.Errorf("failed to decode TOML file %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("unknown keys in %s: %v", path, undecoded)
		}
	default:
		return nil, fmt.Errorf("unsupported accounts file extension %q", ext)
	}

	return f.resolve(filepath.Dir(path))
}

func (f *poolFile) resolve(baseDir string) (*Pool, error) {
	if len(f.Accounts) == 0 {
		return nil, fmt.Errorf("accounts file defines no accounts")
	}

	p := &Pool{Labs: make(map[string]models.Lab, len(f.Labs))}
	seen := make(map[string]bool, len(f.Accounts))
	for _, a := range f.Accounts {
		if a.ID == "" {
			return nil, fmt.Errorf("account without id")
		}
		if seen[a.ID] {
			return nil, fmt.Errorf("duplicate account %s", a.ID)
		}
		seen[a.ID] = true
		if a.Region == "" || a.TemplateDir == "" {
			return nil, fmt.Errorf("account %s: region and template_dir are required", a.ID)
		}

		keyID, err := secret(a.AccessKeyID, a.AccessKeyIDEnv)
		if err != nil {
			return nil, fmt.Errorf("account %s access key: %w", a.ID, err)
		}
		secretKey, err := secret(a.SecretAccessKey, a.SecretAccessKeyEnv)
		if err != nil {
			return nil, fmt.Errorf("account %s secret key: %w", a.ID, err)
		}
		if (keyID == "") != (secretKey == "") {
			return nil, fmt.Errorf("account %s: access key id and secret must be set together", a.ID)
		}

		dir := a.TemplateDir
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(baseDir, dir)
		}

		p.Accounts = append(p.Accounts, models.CloudAccount{
			ID:              a.ID,
			Name:            a.Name,
			Region:          a.Region,
			AccessKeyID:     keyID,
			SecretAccessKey: secretKey,
			TemplateDir:     dir,
		})
	}

	for _, l := range f.Labs {
		if l.ID == "" {
			return nil, fmt.Errorf("lab without id")
		}
		if _, dup := p.Labs[l.ID]; dup {
			return nil, fmt.Errorf("duplicate lab %s", l.ID)
		}
		lab := models.Lab{ID: l.ID, Capabilities: l.Capabilities}
		if l.Duration != "" {
			d, err := time.ParseDuration(l.Duration)
			if err != nil || d <= 0 {
				return nil, fmt.Errorf("lab %s: invalid duration %q", l.ID, l.Duration)
			}
			lab.Duration = d
		}
		p.Labs[l.ID] = lab
	}
	return p, nil
}

// secret returns the inline value or the named environment variable
func secret(inline, envName string) (string, error) {
	if inline != "" && envName != "" {
		return "", fmt.Errorf("set either the value or the _env reference, not both")
	}
	if envName == "" {
		return inline, nil
	}
	v, ok := os.LookupEnv(envName)
	if !ok || v == "" {
		return "", fmt.Errorf("environment variable %s is not set", envName)
	}
	return v, nil
}
