package traits

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanonical(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"PhotosynthesisTrait", "photosynthesis"},
		{"EnergyConservationTrait", "energy_conservation"},
		{"energy_conservation", "energy_conservation"},
		{"HTTPResponderTrait", "http_responder"},
		{"Seek2FoodTrait", "seek2_food"},
		{"Trait", ""},
		{"_leading_", "leading"},
		{"simple", "simple"},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			assert.Equal(t, tc.want, Canonical(tc.in))
		})
	}
}

func TestCanonicalIdempotent(t *testing.T) {
	names := []string{"PhotosynthesisTrait", "EnergyConservationTrait", "already_canonical", "HTTPResponderTrait"}
	for _, name := range names {
		once := Canonical(name)
		assert.Equal(t, once, Canonical(once), "canonicalizing %q twice must be stable", name)
	}
}
