package plugins

import "errors"

// Errores del gestor de plugins. Callers match them with errors.Is.
var (
	// ErrNotFound: the location does not exist, or no plugin has that name.
	ErrNotFound = errors.New("plugin not found")

	// ErrLoad: the code at the location could not be opened or executed,
	// or the plugin's Setup failed.
	ErrLoad = errors.New("plugin load failed")

	// ErrValidation: the loaded code exposes no usable plugin, or more than one.
	ErrValidation = errors.New("invalid plugin")

	// ErrConflict: a plugin with the same name is already loaded.
	ErrConflict = errors.New("plugin already loaded")

	// ErrTimeout: Setup or Stop did not return in time.
	ErrTimeout = errors.New("plugin call timed out")
)
