package mainboilerplate

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/jessevdk/go-flags"
)

// ConfigDirs returns directories which are searched, in order, for an INI
// configuration file:
//   - The current working directory.
//   - $LITESYNC_CONFIG_ROOT, if set.
//   - ~/.config/litesync (under the user's $HOME or %UserProfile% directory).
func ConfigDirs() []string {
	var dirs = []string{"."}

	if root := os.Getenv("LITESYNC_CONFIG_ROOT"); root != "" {
		dirs = append(dirs, root)
	}
	for _, home := range []string{os.Getenv("HOME"), os.Getenv("UserProfile")} {
		if home != "" {
			dirs = append(dirs, filepath.Join(home, ".config", "litesync"))
		}
	}
	return dirs
}

// ParseConfigFile parses into the Parser the first INI file named
// |configName| found within |dirs|. It returns the path which was parsed,
// or empty if no file was found.
func ParseConfigFile(parser *flags.Parser, configName string, dirs []string) (string, error) {
	// Allow unknown options while parsing an INI file.
	var origOptions = parser.Options
	parser.Options |= flags.IgnoreUnknown
	defer func() { parser.Options = origOptions }()

	var iniParser = flags.NewIniParser(parser)

	for _, dir := range dirs {
		var path = filepath.Join(dir, configName)

		if err := iniParser.ParseFile(path); err == nil {
			return path, nil
		} else if os.IsNotExist(err) {
			// Pass.
		} else {
			return "", err
		}
	}
	return "", nil
}

// MustParseConfig requires that the Parser parse from the combination of an
// optional INI file, configured environment bindings, and explicit flags.
// An INI file matching |configName| is searched for in ConfigDirs.
func MustParseConfig(parser *flags.Parser, configName string) {
	if _, err := ParseConfigFile(parser, configName, ConfigDirs()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	MustParseArgs(parser)
}

// MustParseArgs requires that Parser be able to ParseArgs without error.
func MustParseArgs(parser *flags.Parser) {
	if _, err := parser.ParseArgs(os.Args[1:]); err != nil {
		var flagErr, ok = err.(*flags.Error)
		if !ok {
			Must(err, "fatal error")
		}

		switch flagErr.Type {
		case flags.ErrDuplicatedFlag, flags.ErrTag, flags.ErrInvalidTag, flags.ErrShortNameTooLong, flags.ErrMarshal:
			// A problem of the configuration object |parser| was asked to
			// parse, rather than of user input.
			panic(err)

		case flags.ErrCommandRequired:
			// Follow go-flag's "Please specify one command of: ... " with full usage.
			_, _ = os.Stderr.WriteString("\n")
			parser.WriteHelp(os.Stderr)
			fmt.Fprintf(os.Stderr, "\nVersion %s, built at %s.\n", Version, BuildDate)
			os.Exit(1)

		case flags.ErrHelp:
			if parser.Options&flags.PrintErrors == 0 {
				parser.WriteHelp(os.Stderr)
				fmt.Fprintf(os.Stderr, "\nVersion %s, built at %s.\n", Version, BuildDate)
			}
			os.Exit(1)

		default:
			// go-flags has already printed a message describing the input error.
			os.Exit(1)
		}
	}
}

// AddPrintConfigCmd to the Parser. The "print-config" command helps users test
// whether their applications are correctly configured, by exporting all runtime
// configuration in INI format.
func AddPrintConfigCmd(parser *flags.Parser, configName string) {
	_, _ = parser.AddCommand("print-config", "Print combined configuration and exit", `
print-config parses the combined configuration from `+configName+`, flags,
and environment variables, and then writes the configuration to stdout in INI format.
`, &printConfig{parser})
}

type printConfig struct {
	*flags.Parser `no-flag:"t"`
}

func (p printConfig) Execute([]string) error {
	var ini = flags.NewIniParser(p.Parser)
	ini.Write(os.Stdout, flags.IniIncludeComments|flags.IniCommentDefaults|flags.IniIncludeDefaults)
	return nil
}
