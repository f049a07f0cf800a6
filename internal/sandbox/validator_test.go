package sandbox

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validTraitSource = `package trait

import (
	"context"
	"math"

	"genesis/traitapi"
)

type SeekerTrait struct {
	heading float64
}

func (t *SeekerTrait) Execute(ctx context.Context, entity *traitapi.Entity) error {
	if entity.Energy < entity.MaxEnergy*0.5 {
		if !entity.EatNearby(50) {
			entity.Move(math.Cos(t.heading)*5, math.Sin(t.heading)*5)
			t.heading += 0.3
		}
	}
	return nil
}

func New() func(context.Context, *traitapi.Entity) error {
	t := &SeekerTrait{}
	return t.Execute
}
`

// traitWithBody wraps an Execute body into an otherwise-complete trait.
func traitWithBody(body string) string {
	return fmt.Sprintf(`package trait

import (
	"context"

	"genesis/traitapi"
)

type ProbeTrait struct{}

func (t *ProbeTrait) Execute(ctx context.Context, entity *traitapi.Entity) error {
	%s
	return nil
}

func New() func(context.Context, *traitapi.Entity) error {
	t := &ProbeTrait{}
	return t.Execute
}
`, body)
}

func TestValidateAccepts(t *testing.T) {
	v := NewValidator(nil)
	res := v.Validate(context.Background(), validTraitSource)
	require.True(t, res.Valid, "message: %s", res.Message)
	assert.Equal(t, "SeekerTrait", res.TraitClass)
	assert.Len(t, res.SourceHash, 64)
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		source string
		reason ReasonCode
	}{
		{
			name:   "syntax error",
			source: "package trait\nfunc {",
			reason: ReasonSyntaxError,
		},
		{
			name:   "wrong package",
			source: "package main\n\nfunc main() {}\n",
			reason: ReasonNoTraitClass,
		},
		{
			name: "forbidden import",
			source: `package trait

import "os"

var _ = os.Getenv
`,
			reason: ReasonImportForbidden,
		},
		{
			name:   "panic call",
			source: traitWithBody(`panic("no")`),
			reason: ReasonBannedCall,
		},
		{
			name:   "println call",
			source: traitWithBody(`println(entity.Energy)`),
			reason: ReasonBannedCall,
		},
		{
			name:   "channel type",
			source: traitWithBody(`var ch chan int; _ = ch`),
			reason: ReasonBannedCall,
		},
		{
			name:   "select statement",
			source: traitWithBody(`select {}`),
			reason: ReasonBannedCall,
		},
		{
			name:   "plain goroutine",
			source: traitWithBody(`go func() {}()`),
			reason: ReasonBannedCall,
		},
		{
			name:   "goroutine on entity method",
			source: traitWithBody(`go entity.Move(1, 2)`),
			reason: ReasonAwaitOnSync,
		},
		{
			name:   "reflection escape hatch",
			source: traitWithBody(`entity.Call(1)`),
			reason: ReasonBannedAttr,
		},
		{
			name:   "entity member outside surface",
			source: traitWithBody(`entity.Teleport(1, 2)`),
			reason: ReasonEntityAttrForbidden,
		},
		{
			name:   "unbound variable",
			source: traitWithBody(`entity.Move(speed, 0)`),
			reason: ReasonUnboundVariable,
		},
		{
			name: "maybe-assigned read at top level",
			source: traitWithBody(`if entity.Energy > 50 {
		boost := 2.0
		_ = boost
	}
	entity.Move(boost, 0)`),
			reason: ReasonUnboundVariable,
		},
		{
			name: "package used without import",
			source: traitWithBody(`entity.Move(math.Sqrt(4), 0)`),
			reason: ReasonUnboundVariable,
		},
		{
			name: "factory with parameters",
			source: `package trait

import (
	"context"

	"genesis/traitapi"
)

type ProbeTrait struct{ speed float64 }

func (t *ProbeTrait) Execute(ctx context.Context, entity *traitapi.Entity) error {
	return nil
}

func New(speed float64) func(context.Context, *traitapi.Entity) error {
	t := &ProbeTrait{speed: speed}
	return t.Execute
}
`,
			reason: ReasonInitRequiredArgs,
		},
		{
			name: "no trait struct",
			source: `package trait

import (
	"context"

	"genesis/traitapi"
)

func New() func(context.Context, *traitapi.Entity) error {
	return func(ctx context.Context, entity *traitapi.Entity) error { return nil }
}
`,
			reason: ReasonNoTraitClass,
		},
		{
			name: "missing factory",
			source: `package trait

import (
	"context"

	"genesis/traitapi"
)

type ProbeTrait struct{}

func (t *ProbeTrait) Execute(ctx context.Context, entity *traitapi.Entity) error {
	return nil
}
`,
			reason: ReasonNoTraitClass,
		},
	}

	v := NewValidator(nil)
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := v.Validate(context.Background(), tc.source)
			require.False(t, res.Valid)
			assert.Equal(t, tc.reason, res.Reason, "message: %s", res.Message)
		})
	}
}

type stubHashChecker struct{ used bool }

func (s stubHashChecker) IsHashUsed(ctx context.Context, hash string) (bool, error) {
	return s.used, nil
}

func TestValidateDeduplicates(t *testing.T) {
	fresh := NewValidator(stubHashChecker{used: false})
	res := fresh.Validate(context.Background(), validTraitSource)
	assert.True(t, res.Valid)

	seen := NewValidator(stubHashChecker{used: true})
	res = seen.Validate(context.Background(), validTraitSource)
	require.False(t, res.Valid)
	assert.Equal(t, ReasonDuplicateCode, res.Reason)
}

func TestValidateConditionalAssignmentBeforeUse(t *testing.T) {
	// Definite top-level assignment before the read is fine even when a
	// second assignment is conditional.
	source := traitWithBody(`speed := 1.0
	if entity.Energy > 50 {
		speed = 2.0
	}
	entity.Move(speed, 0)`)
	v := NewValidator(nil)
	res := v.Validate(context.Background(), source)
	assert.True(t, res.Valid, "message: %s", res.Message)
}
