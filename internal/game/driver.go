// Package game defines the browser-session contract the scanner drives, plus
// the production implementation on a headless Chromium.
package game

import "context"

// Driver is the abstract game session. After NavigateTo resolves and the
// caller waits out the fly animation, the next Screenshot reflects the
// navigated viewport.
type Driver interface {
	// Login launches the session and authenticates into the game, leaving
	// the world map open at the calibrated zoom level.
	Login(ctx context.Context) error

	// SetKingdom moves the view to the center of kingdom k.
	SetKingdom(ctx context.Context, k uint32) error

	// NavigateTo issues the in-game search-and-fly command.
	NavigateTo(ctx context.Context, k uint32, x, y int) error

	// Screenshot captures the full viewport as PNG bytes.
	Screenshot(ctx context.Context) ([]byte, error)

	// Click dispatches a pressed-then-released mouse event pair at the pixel.
	Click(ctx context.Context, x, y int) error

	// PopupText returns the text of the active popup, empty when none is
	// visible.
	PopupText(ctx context.Context) (string, error)

	// DismissPopup closes the active popup with an escape key.
	DismissPopup(ctx context.Context) error

	// Shutdown releases the browser session.
	Shutdown()
}
