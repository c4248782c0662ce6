package duckdb

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsMotherDuck(t *testing.T) {
	assert.True(t, isMotherDuck("md:sales"))
	assert.True(t, isMotherDuck("md:"))
	assert.True(t, isMotherDuck("motherduck://sales"))
	assert.False(t, isMotherDuck("sales.duckdb"))
	assert.False(t, isMotherDuck(":memory:"))
}

func TestMotherDuckDSN(t *testing.T) {
	tests := []struct {
		dsn   string
		token string
		want  string
	}{
		{"motherduck://sales", "tok", "md:sales?motherduck_token=tok"},
		{"motherduck://sales/", "", "md:sales"},
		{"motherduck://", "tok", "md:?motherduck_token=tok"},
		{"md:sales", "tok", "md:sales?motherduck_token=tok"},
		{"md:sales?motherduck_token=mine", "tok", "md:sales?motherduck_token=mine"},
		{"motherduck://sales?saas_mode=true", "tok", "md:sales?motherduck_token=tok&saas_mode=true"},
	}

	for _, tt := range tests {
		t.Run(tt.dsn, func(t *testing.T) {
			assert.Equal(t, tt.want, motherDuckDSN(tt.dsn, tt.token))
		})
	}
}

func TestBuildDSN_MotherDuck(t *testing.T) {
	assert.Equal(t, "md:sales?motherduck_token=tok", buildDSN("motherduck://sales", true, "tok"))
}
