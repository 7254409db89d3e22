package app_test

import (
	"testing"

	"github.com/invopipe/invopipe/internal/app"
	_ "github.com/invopipe/invopipe/internal/testing/guard"
)

func TestInTestModeHonoursGuard(t *testing.T) {
	app.RefreshTestMode()
	if !app.InTestMode() {
		t.Fatal("expected test mode to be active under the guard import")
	}
}

func TestRefreshTestModePicksUpChanges(t *testing.T) {
	t.Setenv("INVOPIPE_TEST_MODE", "0")
	app.RefreshTestMode()
	if app.InTestMode() {
		t.Fatal("expected test mode off after unsetting the flag")
	}

	t.Setenv("INVOPIPE_TEST_MODE", "1")
	app.RefreshTestMode()
	if !app.InTestMode() {
		t.Fatal("expected test mode on after setting the flag")
	}
}
