package engine

import (
	"fmt"
	"strings"

	"github.com/google/shlex"
)

// Placeholders substituted into engine command templates.
const (
	InputPlaceholder     = "{input}"
	OutputDirPlaceholder = "{output_dir}"
)

// SplitTemplate securely splits a command template into argv. No shell is
// ever involved, so quoting is handled here and metacharacters stay inert.
func SplitTemplate(template string) ([]string, error) {
	args, err := shlex.Split(template)
	if err != nil {
		return nil, fmt.Errorf("invalid command template: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("empty command template")
	}
	return args, nil
}

// ValidateTemplate checks a template for the required input placeholder and
// rejects shell-like metacharacters that suggest a template written for a
// shell rather than direct execution.
func ValidateTemplate(template string) error {
	args, err := SplitTemplate(template)
	if err != nil {
		return err
	}

	hasInput := false
	for _, arg := range args {
		if strings.Contains(arg, InputPlaceholder) {
			hasInput = true
			continue
		}
		if strings.Contains(arg, OutputDirPlaceholder) {
			continue
		}
		if strings.ContainsAny(arg, "|&;`$()<>") {
			return fmt.Errorf("disallowed character in template argument: %s", arg)
		}
	}
	if !hasInput {
		return fmt.Errorf("template must include the %s placeholder", InputPlaceholder)
	}
	return nil
}

// expandTemplate substitutes the placeholders into split argv. The output
// directory is appended as a trailing argument when the template has no
// {output_dir} of its own.
func expandTemplate(args []string, inputPath, outputDir string) []string {
	out := make([]string, len(args))
	sawOutput := false
	for i, arg := range args {
		arg = strings.ReplaceAll(arg, InputPlaceholder, inputPath)
		if strings.Contains(arg, OutputDirPlaceholder) {
			arg = strings.ReplaceAll(arg, OutputDirPlaceholder, outputDir)
			sawOutput = true
		}
		out[i] = arg
	}
	if !sawOutput {
		out = append(out, outputDir)
	}
	return out
}
