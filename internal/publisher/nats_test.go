package publisher

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSubjectToken(t *testing.T) {
	tests := map[string]string{
		"KA-01-A-1234": "KA-01-A-1234",
		" KA 01.A ":    "KA_01_A",
		"a>b*c/d":      "a_b_c_d",
		"":             "_",
	}
	for in, want := range tests {
		assert.Equal(t, want, subjectToken(in), "input %q", in)
	}
}

func TestSubject(t *testing.T) {
	msg := PositionMessage{BusID: 3, BusNumber: "KA-01-C-9012", RouteID: 1}
	assert.Equal(t, "bustrack.positions.1.KA-01-C-9012", Subject(DefaultSubjectPrefix, msg))
}
