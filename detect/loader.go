package detect

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"analysisd/core"
	"analysisd/util"

	"github.com/dlclark/regexp2"
	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

//go:embed rules_schema.json
var rulesSchema []byte

// ruleFile is the on-disk layout of a rule file, YAML or JSON.
type ruleFile struct {
	Rules []ruleDef `yaml:"rules"`
}

// ruleDef adds the fields that need conversion before they reach RuleInfo.
type ruleDef struct {
	core.RuleInfo `yaml:",inline"`
	Level         int      `yaml:"level"`
	Options       []string `yaml:"options"`
}

// Loader parses rule files and feeds their rules into a Forest in file order.
type Loader struct {
	forest        *Forest
	schema        *gojsonschema.Schema
	implicitRoots bool
	logger        *zap.SugaredLogger
}

// LoaderOption configures a Loader
type LoaderOption func(*Loader) error

// WithSchemaValidation turns validation of rule documents against the embedded
// JSON schema on or off. It is on by default.
func WithSchemaValidation(enabled bool) LoaderOption {
	return func(l *Loader) error {
		if !enabled {
			l.schema = nil
			return nil
		}
		schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(rulesSchema))
		if err != nil {
			return fmt.Errorf("failed to compile rules schema: %w", err)
		}
		l.schema = schema
		return nil
	}
}

// WithImplicitRoots lets a plain category rule become the root of its
// category when no root exists yet, instead of failing.
func WithImplicitRoots(enabled bool) LoaderOption {
	return func(l *Loader) error {
		l.implicitRoots = enabled
		return nil
	}
}

// WithLoaderLogger sets the loader logger.
func WithLoaderLogger(logger *zap.SugaredLogger) LoaderOption {
	return func(l *Loader) error {
		if logger != nil {
			l.logger = logger
		}
		return nil
	}
}

// NewLoader creates a loader that fills forest.
func NewLoader(forest *Forest, opts ...LoaderOption) (*Loader, error) {
	l := &Loader{
		forest: forest,
		logger: zap.NewNop().Sugar(),
	}
	opts = append([]LoaderOption{WithSchemaValidation(true)}, opts...)
	for _, opt := range opts {
		if err := opt(l); err != nil {
			return nil, err
		}
	}
	return l, nil
}

// Forest returns the forest being filled.
func (l *Loader) Forest() *Forest {
	return l.forest
}

// Load reads every path in order and wires the correlation histories once all
// rules are placed. A directory contributes its .yml, .yaml and .json files in
// lexical order.
func (l *Loader) Load(paths []string) error {
	files, err := expandRulePaths(paths)
	if err != nil {
		return err
	}
	total := 0
	for _, file := range files {
		n, err := l.LoadFile(file)
		if err != nil {
			return err
		}
		total += n
	}
	if err := l.forest.MarkCorrelations(); err != nil {
		return err
	}
	l.logger.Infow("Loaded rules",
		"files", len(files),
		"rules", total,
		"records", l.forest.RecordCount(),
		"nodes", l.forest.Len())
	return nil
}

// LoadFile parses one rule file and adds its rules. It returns the number of
// rules added.
func (l *Loader) LoadFile(filename string) (int, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return 0, fmt.Errorf("failed to read rules file: %w", err)
	}
	return l.LoadBytes(data, filename)
}

// LoadBytes parses a rule document. source names the document in errors and
// is stored as each rule's File.
func (l *Loader) LoadBytes(data []byte, source string) (int, error) {
	if l.schema != nil {
		if err := l.validateDocument(data); err != nil {
			return 0, fmt.Errorf("%s: %w", source, err)
		}
	}

	// JSON documents are valid YAML, so one decoder serves both formats.
	var doc ruleFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return 0, fmt.Errorf("%s: failed to unmarshal rules: %w", source, err)
	}

	for i := range doc.Rules {
		rule, err := doc.Rules[i].toRule(source)
		if err != nil {
			return i, fmt.Errorf("%s: %w", source, err)
		}
		l.warnUnsafePatterns(rule)
		if err := l.Add(rule); err != nil {
			return i, fmt.Errorf("%s: %w", source, err)
		}
	}
	l.logger.Debugw("Loaded rule file", "file", source, "rules", len(doc.Rules))
	return len(doc.Rules), nil
}

// Add places a single parsed rule. Rules below core.TemplateSigIDLimit become
// roots, overwrite rules replace the existing definition, everything else is
// attached beneath its correlation targets.
func (l *Loader) Add(rule *core.RuleInfo) error {
	if err := rule.Validate(); err != nil {
		return err
	}

	switch {
	case rule.SigID < core.TemplateSigIDLimit:
		return l.forest.AddRule(rule)

	case rule.IsOverwrite():
		found, err := l.forest.UpdateRule(rule.SigID, rule)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("rule %d: overwrite of a rule that was never defined", rule.SigID)
		}
		return nil
	}

	err := l.forest.AddChild(rule)
	if err != nil && l.implicitRoots && errors.Is(err, core.ErrCategoryNotFound) {
		_, _, err = l.forest.EnsureCategoryRoot(rule)
		if err == nil {
			l.logger.Infow("Rule declares a new category root", "sid", rule.SigID, "category", rule.Category)
		}
	}

	var re *core.RuleError
	if errors.As(err, &re) && !re.IsFatal() {
		l.logger.Warnw("Skipping rule", "sid", rule.SigID, "file", rule.File, "error", err)
		return nil
	}
	return err
}

func (l *Loader) validateDocument(data []byte) error {
	var generic interface{}
	if err := yaml.Unmarshal(data, &generic); err != nil {
		return fmt.Errorf("failed to parse rules: %w", err)
	}
	result, err := l.schema.Validate(gojsonschema.NewGoLoader(generic))
	if err != nil {
		return fmt.Errorf("failed to validate rules against schema: %w", err)
	}
	if !result.Valid() {
		var errs []string
		for _, desc := range result.Errors() {
			errs = append(errs, desc.String())
		}
		return fmt.Errorf("rules validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (d *ruleDef) toRule(source string) (*core.RuleInfo, error) {
	rule := d.RuleInfo
	rule.Level = d.Level * core.LevelScale
	rule.File = source

	opts, unknown := core.ParseAlertOptions(d.Options)
	if len(unknown) > 0 {
		return nil, fmt.Errorf("rule %d: unknown options %v", rule.SigID, unknown)
	}
	rule.AlertOpts = opts

	if rule.Category == "" && rule.IfSID == "" {
		rule.Category = core.DefaultCategory
	}

	for _, pattern := range []string{rule.Regex, rule.IfMatchedRegex} {
		if pattern == "" {
			continue
		}
		if _, err := regexp2.Compile(pattern, regexp2.None); err != nil {
			return nil, fmt.Errorf("rule %d: invalid regex %q: %w", rule.SigID, pattern, err)
		}
	}
	return &rule, nil
}

// warnUnsafePatterns logs regexes prone to catastrophic backtracking. They are
// still loaded: the regex matcher's timeout bounds their cost.
func (l *Loader) warnUnsafePatterns(rule *core.RuleInfo) {
	for _, pattern := range [...]string{rule.Regex, rule.IfMatchedRegex} {
		if pattern == "" {
			continue
		}
		if report := util.AnalyzePattern(pattern); !report.IsSafe {
			l.logger.Warnw("Rule regex may backtrack heavily",
				"sid", rule.SigID,
				"pattern", pattern,
				"warnings", report.Warnings)
		}
	}
}

func expandRulePaths(paths []string) ([]string, error) {
	var files []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("failed to stat rules path: %w", err)
		}
		if !info.IsDir() {
			files = append(files, p)
			continue
		}
		entries, err := os.ReadDir(p)
		if err != nil {
			return nil, fmt.Errorf("failed to read rules directory: %w", err)
		}
		var dir []string
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			switch strings.ToLower(filepath.Ext(e.Name())) {
			case ".yml", ".yaml", ".json":
				dir = append(dir, filepath.Join(p, e.Name()))
			}
		}
		sort.Strings(dir)
		files = append(files, dir...)
	}
	return files, nil
}

// BuildForest loads paths into a new forest.
func BuildForest(paths []string, loaderOpts []LoaderOption, forestOpts ...ForestOption) (*Forest, error) {
	forest := NewForest(forestOpts...)
	loader, err := NewLoader(forest, loaderOpts...)
	if err != nil {
		return nil, err
	}
	if err := loader.Load(paths); err != nil {
		return nil, err
	}
	return forest, nil
}
