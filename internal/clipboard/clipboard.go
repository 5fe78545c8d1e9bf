// Package clipboard wraps the system clipboard, synthetic paste keystrokes,
// and the active-application snapshot used for transcript app context.
package clipboard

import (
	"fmt"
	"runtime"

	"github.com/atotto/clipboard"
	"github.com/go-vgo/robotgo"
)

// System talks to the real OS clipboard and input synthesis. The
// post-processor depends on the narrow interface it declares, so tests never
// touch this type.
type System struct{}

// New returns the real clipboard implementation.
func New() *System { return &System{} }

// Write places text on the system clipboard.
func (s *System) Write(text string) error {
	if err := clipboard.WriteAll(text); err != nil {
		return fmt.Errorf("clipboard: write: %w", err)
	}
	return nil
}

// Paste synthesises the platform paste chord (⌘V on macOS, Ctrl+V elsewhere)
// into the currently focused application.
func (s *System) Paste() error {
	modifier := "ctrl"
	if runtime.GOOS == "darwin" {
		modifier = "cmd"
	}
	if err := robotgo.KeyTap("v", modifier); err != nil {
		return fmt.Errorf("clipboard: synthesise paste: %w", err)
	}
	return nil
}

// ActiveApp returns the focused application's window title, or "" when it
// cannot be determined. Used as the transcript's app context snapshot.
func (s *System) ActiveApp() string {
	return robotgo.GetTitle()
}
