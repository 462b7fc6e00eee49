package policy

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/quotaguard/quotaguard/internal/domain/ratelimit"
)

// Document is the on-disk policy format.
type Document struct {
	Version  int                    `yaml:"version" validate:"eq=1"`
	Timezone string                 `yaml:"timezone"`
	Fallback *PolicySpec            `yaml:"fallback"`
	Tiers    map[string]Multipliers `yaml:"tiers" validate:"dive"`
	Seasons  []SeasonSpec           `yaml:"seasons" validate:"dive"`
	Policies map[string]PolicySpec  `yaml:"policies" validate:"dive"`
}

// PolicySpec is one endpoint class entry of a Document.
type PolicySpec struct {
	Limits    Limits                 `yaml:"limits"`
	Burst     int64                  `yaml:"burst" validate:"min=0"`
	Cost      int64                  `yaml:"cost" validate:"min=0"`
	Tiers     map[string]Multipliers `yaml:"tiers" validate:"dive"`
	Seasonal  *bool                  `yaml:"seasonal"`
	Overrides []OverrideSpec         `yaml:"overrides" validate:"dive"`
}

// SeasonSpec is a season entry of a Document.
type SeasonSpec struct {
	Name       string  `yaml:"name" validate:"required"`
	Start      string  `yaml:"start" validate:"required"`
	End        string  `yaml:"end" validate:"required"`
	Multiplier float64 `yaml:"multiplier" validate:"gt=0"`
}

// OverrideSpec is a category override entry of a Document.
type OverrideSpec struct {
	Category    string      `yaml:"category" validate:"required"`
	Tiers       []string    `yaml:"tiers"`
	Condition   string      `yaml:"condition" validate:"max=1024"`
	Multipliers Multipliers `yaml:"multipliers"`
	Burst       int64       `yaml:"burst" validate:"min=0"`
	Cost        int64       `yaml:"cost" validate:"min=0"`
}

// DefaultFallback is the conservative policy applied to unknown endpoint classes.
var DefaultFallback = RateLimitPolicy{
	EndpointClass: "",
	Base:          Limits{Minute: 10, Hour: 100, Day: 1000},
	Cost:          1,
	Seasonal:      false,
}

// Decode strictly decodes a policy document. Unknown keys are rejected.
func Decode(r io.Reader) (*Document, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var doc Document
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("policy document is empty")
		}
		return nil, fmt.Errorf("decode policy document: %w", err)
	}
	return &doc, nil
}

// Parse decodes, validates and compiles a policy document into a Snapshot.
// compiler may be nil, in which case override conditions are rejected.
func Parse(data []byte, compiler ConditionCompiler) (*Snapshot, error) {
	doc, err := Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	snap, err := Compile(doc, compiler)
	if err != nil {
		return nil, err
	}
	snap.Fingerprint = fmt.Sprintf("%016x", xxhash.Sum64(data))
	return snap, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Compile validates a decoded document and builds a Snapshot.
func Compile(doc *Document, compiler ConditionCompiler) (*Snapshot, error) {
	if err := validate.Struct(doc); err != nil {
		return nil, formatValidationErrors(err)
	}

	loc := time.UTC
	if doc.Timezone != "" {
		l, err := time.LoadLocation(doc.Timezone)
		if err != nil {
			return nil, fmt.Errorf("timezone %q: %w", doc.Timezone, err)
		}
		loc = l
	}

	seasons := make([]Season, 0, len(doc.Seasons))
	for _, s := range doc.Seasons {
		season, err := ParseSeason(s.Name, s.Start, s.End, s.Multiplier)
		if err != nil {
			return nil, err
		}
		seasons = append(seasons, season)
	}

	snap := &Snapshot{
		Location: loc,
		Seasons:  seasons,
		Policies: make(map[string]RateLimitPolicy, len(doc.Policies)),
	}

	fallback := PolicySpec{Limits: DefaultFallback.Base, Cost: DefaultFallback.Cost, Seasonal: new(bool)}
	if doc.Fallback != nil {
		fallback = *doc.Fallback
	}
	fb, err := compilePolicy("", fallback, doc.Tiers, nil)
	if err != nil {
		return nil, fmt.Errorf("fallback: %w", err)
	}
	snap.Fallback = fb

	classes := make([]string, 0, len(doc.Policies))
	for class := range doc.Policies {
		classes = append(classes, class)
	}
	sort.Strings(classes)
	for _, class := range classes {
		if err := ratelimit.ValidateEndpointClass(class); err != nil {
			return nil, fmt.Errorf("policy %q: %w", class, err)
		}
		p, err := compilePolicy(class, doc.Policies[class], doc.Tiers, compiler)
		if err != nil {
			return nil, err
		}
		snap.Policies[class] = p
	}
	return snap, nil
}

func compilePolicy(class string, spec PolicySpec, globalTiers map[string]Multipliers, compiler ConditionCompiler) (RateLimitPolicy, error) {
	p := RateLimitPolicy{
		EndpointClass: class,
		Base:          spec.Limits,
		Burst:         spec.Burst,
		Cost:          spec.Cost,
		Tiers:         make(map[string]Multipliers, len(globalTiers)+len(spec.Tiers)),
		Seasonal:      spec.Seasonal == nil || *spec.Seasonal,
	}
	if p.Cost == 0 {
		p.Cost = 1
	}
	for name, m := range globalTiers {
		p.Tiers[name] = m
	}
	for name, m := range spec.Tiers {
		p.Tiers[name] = m
	}

	for i, o := range spec.Overrides {
		co := CategoryOverride{
			Category:    o.Category,
			Tiers:       o.Tiers,
			Expression:  o.Condition,
			Multipliers: o.Multipliers,
			Burst:       o.Burst,
			Cost:        o.Cost,
		}
		if o.Condition != "" {
			if compiler == nil {
				return RateLimitPolicy{}, fmt.Errorf("policy %q override %d: conditions are not supported", class, i)
			}
			cond, err := compiler.CompileCondition(o.Condition)
			if err != nil {
				return RateLimitPolicy{}, fmt.Errorf("policy %q override %d: %w", class, i, err)
			}
			co.Condition = cond
		}
		p.Overrides = append(p.Overrides, co)
	}
	return p, nil
}

// formatValidationErrors converts validator errors to a readable message.
func formatValidationErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return fmt.Errorf("policy validation failed: %w", err)
	}
	msgs := make([]string, 0, len(validationErrors))
	for _, fe := range validationErrors {
		field := strings.TrimPrefix(fe.Namespace(), "Document.")
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fmt.Sprintf("%s is required", field))
		case "min", "gt":
			msgs = append(msgs, fmt.Sprintf("%s must be %s %s", field, map[string]string{"min": "at least", "gt": "greater than"}[fe.Tag()], fe.Param()))
		case "eq":
			msgs = append(msgs, fmt.Sprintf("%s must be %s", field, fe.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed validation: %s", field, fe.Tag()))
		}
	}
	return fmt.Errorf("policy validation failed:\n  - %s", strings.Join(msgs, "\n  - "))
}
