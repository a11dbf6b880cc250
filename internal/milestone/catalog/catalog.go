// Package catalog is the static milestone registry: definitions of every milestone
// kind a contract can instantiate, loaded from YAML.
package catalog

import (
	_ "embed"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	id "escrow/pkg/domain"
	dErrors "escrow/pkg/domain-errors"
)

//go:embed catalog.yaml
var embedded []byte

// TriggerKind says what starts a milestone's approval pipeline.
type TriggerKind string

const (
	TriggerManual    TriggerKind = "manual"
	TriggerScheduled TriggerKind = "scheduled"
)

// AmountSource says where an instance's amount comes from at instantiation.
type AmountSource string

const (
	// AmountContractFee reads ContractTerms.MilestoneFees[code].
	AmountContractFee AmountSource = "contract_fee"
	// AmountMonthlyInstallment reads ContractTerms.MonthlyInstallment.
	AmountMonthlyInstallment AmountSource = "monthly_installment"
	// AmountMonthlyAllowance reads ContractTerms.MonthlyAllowance.
	AmountMonthlyAllowance AmountSource = "monthly_allowance"
	// AmountBonus reads the bonus schedule entry whose milestone code matches.
	AmountBonus AmountSource = "bonus"
)

// Recurrence controls how many instances a definition yields per contract.
type Recurrence string

const (
	RecurrenceOnce         Recurrence = ""
	RecurrenceInstallments Recurrence = "installments"
)

// Range is a typical amount range, informational only.
type Range struct {
	Min id.Money `yaml:"min" json:"min"`
	Max id.Money `yaml:"max" json:"max"`
}

// Definition is one registry entry.
type Definition struct {
	Code             string       `yaml:"code" json:"code"`
	Name             string       `yaml:"name" json:"name"`
	Category         id.Category  `yaml:"category" json:"category"`
	Trigger          TriggerKind  `yaml:"trigger" json:"trigger"`
	Condition        string       `yaml:"condition" json:"condition"`
	RequiredEvidence []string     `yaml:"required_evidence" json:"required_evidence"`
	TypicalAmount    Range        `yaml:"typical_amount" json:"typical_amount"`
	ClauseRef        string       `yaml:"clause_ref" json:"clause_ref"`
	AmountSource     AmountSource `yaml:"amount_source" json:"amount_source"`
	Recurrence       Recurrence   `yaml:"recurrence,omitempty" json:"recurrence,omitempty"`
}

// Catalog is an immutable, validated registry.
type Catalog struct {
	definitions []Definition
	byCode      map[string]Definition
	rank        map[id.Category]int
}

type document struct {
	Categories []id.Category `yaml:"categories"`
	Milestones []Definition  `yaml:"milestones"`
}

// Default returns the embedded catalog.
func Default() (*Catalog, error) {
	return Parse(embedded)
}

// Load reads a catalog file, or the embedded one when path is empty.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default()
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return Parse(raw)
}

// Parse decodes and validates a YAML catalog.
func Parse(raw []byte) (*Catalog, error) {
	var doc document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInvalidInput, "decode catalog")
	}

	c := &Catalog{
		byCode: make(map[string]Definition, len(doc.Milestones)),
		rank:   make(map[id.Category]int, len(doc.Categories)),
	}
	for i, cat := range doc.Categories {
		if !cat.IsValid() {
			return nil, dErrors.Newf(dErrors.CodeInvalidInput, "catalog: unknown category %q", cat)
		}
		c.rank[cat] = i
	}
	for _, def := range doc.Milestones {
		if err := c.validate(def); err != nil {
			return nil, err
		}
		c.byCode[def.Code] = def
		c.definitions = append(c.definitions, def)
	}
	return c, nil
}

func (c *Catalog) validate(def Definition) error {
	switch {
	case def.Code == "":
		return dErrors.New(dErrors.CodeInvalidInput, "catalog: milestone code is required")
	case c.byCode[def.Code].Code != "":
		return dErrors.Newf(dErrors.CodeInvalidInput, "catalog: duplicate milestone %q", def.Code)
	case !def.Category.IsValid():
		return dErrors.Newf(dErrors.CodeInvalidInput, "catalog: %s has unknown category %q", def.Code, def.Category)
	case def.Trigger != TriggerManual && def.Trigger != TriggerScheduled:
		return dErrors.Newf(dErrors.CodeInvalidInput, "catalog: %s has unknown trigger %q", def.Code, def.Trigger)
	case def.Recurrence == RecurrenceInstallments && def.Trigger != TriggerScheduled:
		return dErrors.Newf(dErrors.CodeInvalidInput, "catalog: %s recurs but is not scheduled", def.Code)
	case def.TypicalAmount.Min > def.TypicalAmount.Max:
		return dErrors.Newf(dErrors.CodeInvalidInput, "catalog: %s typical range is inverted", def.Code)
	}
	if _, ok := c.rank[def.Category]; !ok {
		return dErrors.Newf(dErrors.CodeInvalidInput, "catalog: %s category %q has no priority", def.Code, def.Category)
	}
	switch def.AmountSource {
	case AmountContractFee, AmountMonthlyInstallment, AmountMonthlyAllowance, AmountBonus:
	default:
		return dErrors.Newf(dErrors.CodeInvalidInput, "catalog: %s has unknown amount source %q", def.Code, def.AmountSource)
	}
	return nil
}

// Lookup returns the definition for code.
func (c *Catalog) Lookup(code string) (Definition, bool) {
	def, ok := c.byCode[code]
	return def, ok
}

// Definitions returns all definitions in file order.
func (c *Catalog) Definitions() []Definition {
	return append([]Definition(nil), c.definitions...)
}

// Rank is the tie-break priority of a category; lower runs first. Unknown
// categories sort last.
func (c *Catalog) Rank(cat id.Category) int {
	if r, ok := c.rank[cat]; ok {
		return r
	}
	return len(c.rank)
}

// Categories returns categories in priority order.
func (c *Catalog) Categories() []id.Category {
	out := make([]id.Category, 0, len(c.rank))
	for cat := range c.rank {
		out = append(out, cat)
	}
	sort.Slice(out, func(i, j int) bool { return c.rank[out[i]] < c.rank[out[j]] })
	return out
}
