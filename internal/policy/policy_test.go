package policy

import (
	"testing"

	"github.com/andresmejia3/gatekeeper/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func person(statusOK, tempOK, mask bool) types.PersonData {
	p := types.PersonData{
		Identity:          types.Identity{ID: 7, Name: "ada", Status: types.StatusBlocked},
		Identified:        true,
		TemperatureNormal: tempOK,
		HasMask:           mask,
	}
	if statusOK {
		p.Identity.Status = types.StatusNormal
	}
	return p
}

func TestPassesOnlyEnabledChecks(t *testing.T) {
	for mask := CheckNone; mask <= CheckAll; mask++ {
		for bits := 0; bits < 8; bits++ {
			statusOK, tempOK, hasMask := bits&1 != 0, bits&2 != 0, bits&4 != 0
			p := Default()
			p.Checks = mask
			p.TemperatureEnabled = true

			want := true
			if mask&CheckStatus != 0 {
				want = want && statusOK
			}
			if mask&CheckTemperature != 0 {
				want = want && tempOK
			}
			if mask&CheckMask != 0 {
				want = want && hasMask
			}

			got := Passes(person(statusOK, tempOK, hasMask), p)
			assert.Equal(t, want, got, "checks=%s status=%v temp=%v mask=%v", mask, statusOK, tempOK, hasMask)
		}
	}
}

func TestAnyNotPassIsNegationOfAllPass(t *testing.T) {
	for mask := CheckNone; mask <= CheckAll; mask++ {
		for bits := 0; bits < 8; bits++ {
			who := person(bits&1 != 0, bits&2 != 0, bits&4 != 0)

			p := Default()
			p.Checks = mask
			p.TemperatureEnabled = true

			p.Mode = AllPass
			allPass := Evaluate(who, p)
			p.Mode = AnyNotPass
			anyNotPass := Evaluate(who, p)

			assert.Equal(t, !allPass.Open, anyNotPass.Open)
			assert.Equal(t, allPass.AllPass, anyNotPass.AllPass)
			assert.Equal(t, who.Identity, allPass.Identity)
		}
	}
}

func TestTemperatureCheckNeedsTemperatureEnabled(t *testing.T) {
	p := Default()
	p.Checks = CheckTemperature
	p.TemperatureEnabled = false

	assert.True(t, Evaluate(person(true, false, false), p).Open)

	p.TemperatureEnabled = true
	assert.False(t, Evaluate(person(true, false, false), p).Open)
}

func TestParseChecks(t *testing.T) {
	c, err := ParseChecks([]string{"status", " Mask "})
	require.NoError(t, err)
	assert.Equal(t, CheckStatus|CheckMask, c)
	assert.Equal(t, "status,mask", c.String())

	_, err = ParseChecks([]string{"fingerprint"})
	assert.Error(t, err)
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("any-not-pass")
	require.NoError(t, err)
	assert.Equal(t, AnyNotPass, m)

	m, err = ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, AllPass, m)

	_, err = ParseMode("sometimes")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Policy)
		wantErr bool
	}{
		{"Default policy", func(*Policy) {}, false},
		{"Unknown check bits", func(p *Policy) { p.Checks = 0x10 }, true},
		{"Threshold above one", func(p *Policy) { p.MatchThreshold = 1.2 }, true},
		{"Zero hold", func(p *Policy) { p.HoldDuration = 0 }, true},
		{"No stranger attempts", func(p *Policy) { p.StrangerAttempts = 0 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Default()
			tt.mutate(&p)
			if err := p.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestStoreSwapsWholePolicy(t *testing.T) {
	s := NewStore(Default())
	next := Default()
	next.Mode = AnyNotPass
	next.Checks = CheckMask
	s.Update(next)
	assert.Equal(t, next, s.Current())
}
