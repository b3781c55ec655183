package validation

import (
	"github.com/codedock-io/codedock/internal/protocol"
)

// ExecuteOptions is the typed form of the execute request's options object
// after whitelist validation. Each field maps to one agent CLI flag; the
// executor owns that mapping.
type ExecuteOptions struct {
	Model                      string
	FallbackModel              string
	PermissionMode             string
	AppendSystemPrompt         string
	AllowedTools               []string
	DisallowedTools            []string
	AddDirs                    []string
	DangerouslySkipPermissions bool
}

// optionKind describes the expected JSON type of a whitelisted option value.
type optionKind int

const (
	kindString optionKind = iota
	kindStringList
	kindBool
)

// optionWhitelist is the closed set of accepted option keys. Unknown keys are
// rejected rather than dropped so client typos surface immediately.
var optionWhitelist = map[string]optionKind{
	"model":                        kindString,
	"fallback_model":               kindString,
	"permission_mode":              kindString,
	"append_system_prompt":         kindString,
	"allowed_tools":                kindStringList,
	"disallowed_tools":             kindStringList,
	"add_dirs":                     kindStringList,
	"dangerously_skip_permissions": kindBool,
}

// ValidateOptions checks raw execute options against the whitelist and
// returns the typed form. A nil or empty map is valid and yields defaults.
func ValidateOptions(raw map[string]any) (*ExecuteOptions, error) {
	opts := &ExecuteOptions{}

	for key, value := range raw {
		kind, ok := optionWhitelist[key]
		if !ok {
			return nil, protocol.Errorf(protocol.ErrInvalidMessage,
				"unknown option %q", key)
		}

		switch kind {
		case kindString:
			s, ok := value.(string)
			if !ok {
				return nil, typeError(key, "string")
			}
			switch key {
			case "model":
				opts.Model = s
			case "fallback_model":
				opts.FallbackModel = s
			case "permission_mode":
				opts.PermissionMode = s
			case "append_system_prompt":
				opts.AppendSystemPrompt = s
			}

		case kindStringList:
			list, err := toStringList(key, value)
			if err != nil {
				return nil, err
			}
			switch key {
			case "allowed_tools":
				opts.AllowedTools = list
			case "disallowed_tools":
				opts.DisallowedTools = list
			case "add_dirs":
				opts.AddDirs = list
			}

		case kindBool:
			b, ok := value.(bool)
			if !ok {
				return nil, typeError(key, "boolean")
			}
			opts.DangerouslySkipPermissions = b
		}
	}

	return opts, nil
}

func toStringList(key string, value any) ([]string, error) {
	raw, ok := value.([]any)
	if !ok {
		return nil, typeError(key, "array of strings")
	}
	list := make([]string, 0, len(raw))
	for _, item := range raw {
		s, ok := item.(string)
		if !ok {
			return nil, typeError(key, "array of strings")
		}
		list = append(list, s)
	}
	return list, nil
}

func typeError(key, want string) error {
	return protocol.Errorf(protocol.ErrInvalidMessage,
		"option %q must be a %s", key, want)
}
