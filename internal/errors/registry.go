package errors

// ErrorTemplate defines a registered error type.
type ErrorTemplate struct {
	Category Category
	Message  string
	Detail   string
	DocURL   string
}

// registry maps error codes to their templates.
var registry = map[string]ErrorTemplate{
	// Config errors (E100-E119)

	"E100": {
		Category: CategoryConfig,
		Message:  "Config file not found",
		Detail:   "No ripple.json was found in the working directory or any parent directory.",
	},
	"E101": {
		Category: CategoryConfig,
		Message:  "Config file invalid",
		Detail:   "ripple.json could not be read or parsed.",
	},
	"E102": {
		Category: CategoryConfig,
		Message:  "Invalid config value",
		Detail:   "A configuration value is out of range or malformed.",
	},

	// Store errors (E120-E139)

	"E120": {
		Category: CategoryStore,
		Message:  "Unknown store backend",
		Detail:   "The configured session store backend is not one of memory, redis, sql, or s3.",
	},
	"E121": {
		Category: CategoryStore,
		Message:  "Store connection failed",
		Detail:   "The session store could not be reached with the configured settings.",
	},

	// Server errors (E140-E159)

	"E140": {
		Category: CategoryServer,
		Message:  "Server failed to start",
		Detail:   "The server could not bind to the configured address.",
	},

	// CLI errors (E160-E179)

	"E160": {
		Category: CategoryCLI,
		Message:  "Invalid command arguments",
	},
}

// Register adds a custom error template. Intended for tests and embedding
// applications; registered codes must not collide with built-in ones.
func Register(code string, template ErrorTemplate) {
	registry[code] = template
}

// Lookup returns the template for a code.
func Lookup(code string) (ErrorTemplate, bool) {
	template, ok := registry[code]
	return template, ok
}
