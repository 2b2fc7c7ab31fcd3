package main

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/spf13/cobra"

	"github.com/foundryops/cloneforge/internal/config"
	"github.com/foundryops/cloneforge/internal/corerr"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View and edit the cloneforge config file",
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configUnsetCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)
	configCmd.AddCommand(configPathCmd)
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective, merged configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return err
		}
		fmt.Print(string(data))
		return nil
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the config file path that would be used",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := config.Resolve(cfgFile)
		if path == "" {
			fmt.Println("(no config file found; using built-in defaults)")
			return nil
		}
		fmt.Println(path)
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every known config key and its current value",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		for _, key := range configKeys(reflect.ValueOf(cfg), "") {
			fmt.Println(key)
		}
		return nil
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print a single config value (dotted path, e.g. ssh.port)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		value, err := getConfigField(&cfg, args[0])
		if err != nil {
			return err
		}
		fmt.Println(value)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a config value and persist it to the config file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withWritableConfig(func(cfg *config.FileConfig) error {
			return setConfigField(cfg, args[0], args[1])
		})
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Reset a config value to its built-in default",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withWritableConfig(func(cfg *config.FileConfig) error {
			def := config.Default()
			value, err := getConfigField(&def, args[0])
			if err != nil {
				return err
			}
			return setConfigField(cfg, args[0], value)
		})
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config file to the first search path",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := cfgFile
		if path == "" {
			paths := config.SearchPaths()
			if len(paths) == 0 {
				return corerr.ValidationError("no config search path available")
			}
			path = paths[0]
		}
		if _, err := os.Stat(path); err == nil {
			return corerr.ValidationError(fmt.Sprintf("config file %s already exists", path))
		}
		return writeConfigFile(path, config.Default())
	},
}

// configWritePath resolves the file config set/unset write to: the
// explicit --config override, or the first existing search path, or
// (if none exists) the canonical user-config location.
func configWritePath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if p := config.Resolve(""); p != "" {
		return p
	}
	paths := config.SearchPaths()
	if len(paths) > 0 {
		return paths[0]
	}
	return "cloneforge.yaml"
}

func withWritableConfig(mutate func(cfg *config.FileConfig) error) error {
	path := configWritePath()
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if err := mutate(&cfg); err != nil {
		return err
	}
	return writeConfigFile(path, cfg)
}

func writeConfigFile(path string, cfg config.FileConfig) error {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return corerr.Wrap(corerr.CodeConfiguration, corerr.CategorySystem, "ConfigurationError",
				"failed to create config directory", err)
		}
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return corerr.Wrap(corerr.CodeConfiguration, corerr.CategorySystem, "ConfigurationError",
			fmt.Sprintf("failed to write config file %s", path), err)
	}
	fmt.Println(path)
	return nil
}

// configKeys walks v's exported fields, yielding dotted key paths for
// every leaf (yaml-tagged scalar or slice) field.
func configKeys(v reflect.Value, prefix string) []string {
	var keys []string
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		tag := yamlFieldName(field)
		if tag == "" {
			continue
		}
		full := tag
		if prefix != "" {
			full = prefix + "." + tag
		}
		fv := v.Field(i)
		if fv.Kind() == reflect.Struct {
			keys = append(keys, configKeys(fv, full)...)
			continue
		}
		keys = append(keys, full)
	}
	return keys
}

func yamlFieldName(f reflect.StructField) string {
	tag := f.Tag.Get("yaml")
	if tag == "" {
		return strings.ToLower(f.Name)
	}
	return strings.Split(tag, ",")[0]
}

// getConfigField / setConfigField resolve a dotted key path (e.g.
// "ssh.port") against cfg's yaml-tagged fields via reflection, the
// lightweight equivalent of the teacher's flat VMConfig field access
// since FileConfig nests into named sections.
func getConfigField(cfg *config.FileConfig, key string) (string, error) {
	fv, err := resolveField(reflect.ValueOf(cfg).Elem(), strings.Split(key, "."))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%v", fv.Interface()), nil
}

func setConfigField(cfg *config.FileConfig, key, value string) error {
	fv, err := resolveField(reflect.ValueOf(cfg).Elem(), strings.Split(key, "."))
	if err != nil {
		return err
	}
	if !fv.CanSet() {
		return corerr.ValidationError(fmt.Sprintf("config key %q is not settable", key))
	}
	switch fv.Kind() {
	case reflect.String:
		fv.SetString(value)
	case reflect.Int, reflect.Int64:
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return corerr.ValidationError(fmt.Sprintf("config key %q expects an integer, got %q", key, value))
		}
		fv.SetInt(n)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return corerr.ValidationError(fmt.Sprintf("config key %q expects a boolean, got %q", key, value))
		}
		fv.SetBool(b)
	default:
		return corerr.ValidationError(fmt.Sprintf("config key %q has an unsupported type", key))
	}
	return nil
}

func resolveField(v reflect.Value, path []string) (reflect.Value, error) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if yamlFieldName(field) != path[0] {
			continue
		}
		fv := v.Field(i)
		if len(path) == 1 {
			return fv, nil
		}
		if fv.Kind() != reflect.Struct {
			return reflect.Value{}, corerr.ValidationError(fmt.Sprintf("config key %q does not go that deep", strings.Join(path, ".")))
		}
		return resolveField(fv, path[1:])
	}
	return reflect.Value{}, corerr.ValidationError(fmt.Sprintf("unknown config key %q", strings.Join(path, ".")))
}
