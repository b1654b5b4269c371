package policy_test

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"

	"github.com/sardis-hq/sardis/pkg/policy"
)

func TestNormalizeVendor(t *testing.T) {
	cases := map[string]string{
		"ACME.Example":                      "acme.example",
		"https://acme.example/billing?x=1":  "acme.example",
		"http://www.acme.example:8443/path": "acme.example",
		"acme.example.":                     "acme.example",
		"  acme.example  ":                  "acme.example",
		"bücher.example":                    "xn--bcher-kva.example",
		"acme corp":                         "acme corp",
		"":                                  "",
	}
	for raw, want := range cases {
		assert.Equal(t, want, policy.NormalizeVendor(raw), "input %q", raw)
	}
}

func TestNormalizeVendorIdempotent(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("normalize(normalize(x)) == normalize(x)", prop.ForAll(
		func(raw string) bool {
			once := policy.NormalizeVendor(raw)
			return policy.NormalizeVendor(once) == once
		},
		gen.AnyString(),
	))

	properties.TestingRun(t)
}
