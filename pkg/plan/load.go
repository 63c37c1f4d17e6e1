package plan

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark-meta"
	"github.com/yuin/goldmark/parser"
	"gopkg.in/yaml.v3"

	"github.com/comzine/acp/pkg/logger"
)

// LoadFile reads a whole plan from one YAML file. Durations such as
// "5m" are accepted for worker timeouts.
func LoadFile(path string) (*Plan, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read plan file %s", path)
	}

	var raw map[string]interface{}
	if err := yaml.Unmarshal(content, &raw); err != nil {
		return nil, errors.Wrapf(err, "failed to parse plan file %s", path)
	}

	var p Plan
	if err := decodeInto(raw, &p); err != nil {
		return nil, errors.Wrapf(err, "failed to decode plan file %s", path)
	}
	if err := p.Validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid plan %s", path)
	}
	return &p, nil
}

// decodeInto maps loosely-typed YAML data onto a typed value, converting
// duration strings along the way.
func decodeInto(data interface{}, out interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.StringToTimeDurationHookFunc(),
		Result:     out,
	})
	if err != nil {
		return errors.Wrap(err, "failed to build decoder")
	}
	return decoder.Decode(data)
}

// Loader assembles a plan from directories of worker definition files.
// Each worker is one markdown file with YAML frontmatter declaring name,
// depends_on, command and timeout; the markdown body is the worker's
// prompt.
type Loader struct {
	workerDirs []string
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader) error

// WithWorkerDirs sets custom worker definition directories.
func WithWorkerDirs(dirs ...string) LoaderOption {
	return func(l *Loader) error {
		if len(dirs) == 0 {
			return errors.New("at least one worker directory must be specified")
		}
		l.workerDirs = dirs
		return nil
	}
}

// WithDefaultDirs sets the default worker directories (./workers,
// ~/.acp/workers). The repository-local directory takes precedence.
func WithDefaultDirs() LoaderOption {
	return func(l *Loader) error {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return errors.Wrap(err, "failed to get user home directory")
		}
		l.workerDirs = []string{
			"./workers",
			filepath.Join(homeDir, ".acp", "workers"),
		}
		return nil
	}
}

// NewLoader creates a worker definition loader.
func NewLoader(opts ...LoaderOption) (*Loader, error) {
	l := &Loader{}
	for _, opt := range opts {
		if err := opt(l); err != nil {
			return nil, errors.Wrap(err, "failed to apply loader option")
		}
	}
	if len(l.workerDirs) == 0 {
		if err := WithDefaultDirs()(l); err != nil {
			return nil, errors.Wrap(err, "failed to apply default worker directories")
		}
	}
	return l, nil
}

// LoadWorker loads a single worker definition by name.
func (l *Loader) LoadWorker(ctx context.Context, name string) (*WorkerSpec, error) {
	path, err := l.findWorkerFile(name)
	if err != nil {
		return nil, err
	}
	logger.G(ctx).WithField("worker", name).WithField("path", path).Debug("loading worker definition")

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read worker file %s", path)
	}

	spec, err := parseWorkerFile(string(content))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse worker file %s", path)
	}
	if spec.Name == "" {
		spec.Name = strings.TrimSuffix(filepath.Base(path), ".md")
	}
	return spec, nil
}

// LoadPlan assembles a plan from every worker definition found in the
// configured directories. A file in an earlier directory shadows one with
// the same name later.
func (l *Loader) LoadPlan(ctx context.Context) (*Plan, error) {
	var p Plan
	seen := make(map[string]bool)

	for _, dir := range l.workerDirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			logger.G(ctx).WithField("dir", dir).Debug("worker directory not found, skipping")
			continue
		}

		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
				continue
			}
			name := strings.TrimSuffix(entry.Name(), ".md")
			if seen[name] {
				continue
			}

			spec, err := l.LoadWorker(ctx, name)
			if err != nil {
				return nil, err
			}
			p.Workers = append(p.Workers, *spec)
			seen[name] = true
		}
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}
	logger.G(ctx).WithField("count", len(p.Workers)).Info("loaded worker definitions")
	return &p, nil
}

func (l *Loader) findWorkerFile(name string) (string, error) {
	for _, dir := range l.workerDirs {
		path := filepath.Join(dir, name+".md")
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", errors.Errorf("worker %q not found in directories: %v", name, l.workerDirs)
}

// parseWorkerFile splits a worker definition into its YAML frontmatter and
// markdown body.
func parseWorkerFile(content string) (*WorkerSpec, error) {
	md := goldmark.New(
		goldmark.WithExtensions(
			meta.Meta,
		),
	)

	var buf bytes.Buffer
	pctx := parser.NewContext()
	if err := md.Convert([]byte(content), &buf, parser.WithContext(pctx)); err != nil {
		return nil, errors.Wrap(err, "failed to convert markdown")
	}

	var spec WorkerSpec
	if metaData := meta.Get(pctx); metaData != nil {
		if err := decodeInto(metaData, &spec); err != nil {
			return nil, errors.Wrap(err, "failed to decode frontmatter")
		}
	}
	spec.Prompt = extractBody(content)
	return &spec, nil
}

// extractBody returns the markdown content after the closing frontmatter
// delimiter.
func extractBody(content string) string {
	if !strings.HasPrefix(content, "---") {
		return content
	}

	lines := strings.Split(content, "\n")
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			return strings.TrimSpace(strings.Join(lines[i+1:], "\n"))
		}
	}
	return content
}
