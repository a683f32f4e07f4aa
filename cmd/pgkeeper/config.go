package main

import (
	"fmt"
	"reflect"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/cuemby/pgkeeper/pkg/config"
	"github.com/cuemby/pgkeeper/pkg/errs"
)

var configCmd = &cobra.Command{
	Use:   "config {get|set}",
	Short: "Read or change a persisted configuration value",
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print one configuration value, or every value when no key is given",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		if len(args) == 0 {
			return render(cmd, cfg, func() {
				w := newTabwriter()
				defer w.Flush()
				for _, key := range configKeys() {
					v, _ := configFieldValue(cfg, key)
					fmt.Fprintf(w, "%s\t%s\n", key, v)
				}
			})
		}

		v, err := configFieldValue(cfg, args[0])
		if err != nil {
			return err
		}
		fmt.Println(v)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Change and persist one configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if err := setConfigField(cfg, args[0], args[1]); err != nil {
			return err
		}
		if err := cfg.Save(cfg.PGData); err != nil {
			return err
		}
		fmt.Printf("%s = %s\n", args[0], args[1])
		return nil
	},
}

func init() {
	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configSetCmd)
}

// configKeys returns the persisted field names (the "ini" struct tags
// of pkg/config.Config) in declaration order, skipping the "-"
// (derived, non-persisted) fields.
func configKeys() []string {
	t := reflect.TypeOf(config.Config{})
	var keys []string
	for i := 0; i < t.NumField(); i++ {
		tag := t.Field(i).Tag.Get("ini")
		if tag == "" || tag == "-" {
			continue
		}
		keys = append(keys, tag)
	}
	return keys
}

// configFieldValue and setConfigField let `config get`/`config set`
// address a Config field by its persisted ini tag rather than its Go
// field name, so the CLI surface matches what's actually written to
// the INI file.
func configFieldValue(cfg any, key string) (string, error) {
	v := reflect.ValueOf(cfg).Elem()
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		if t.Field(i).Tag.Get("ini") == key {
			return fmt.Sprintf("%v", v.Field(i).Interface()), nil
		}
	}
	return "", errs.New(errs.KindBadConfig, fmt.Sprintf("unknown configuration key %q", key))
}

func setConfigField(cfg any, key, value string) error {
	v := reflect.ValueOf(cfg).Elem()
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		if t.Field(i).Tag.Get("ini") != key {
			continue
		}
		field := v.Field(i)
		switch field.Kind() {
		case reflect.String:
			field.SetString(value)
		case reflect.Bool:
			b, err := strconv.ParseBool(value)
			if err != nil {
				return errs.Wrap(errs.KindBadConfig, fmt.Sprintf("%q is not a boolean", key), err)
			}
			field.SetBool(b)
		case reflect.Int32, reflect.Int64:
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return errs.Wrap(errs.KindBadConfig, fmt.Sprintf("%q is not an integer", key), err)
			}
			field.SetInt(n)
		case reflect.Uint16:
			n, err := strconv.ParseUint(value, 10, 16)
			if err != nil {
				return errs.Wrap(errs.KindBadConfig, fmt.Sprintf("%q is not an integer", key), err)
			}
			field.SetUint(n)
		default:
			return errs.New(errs.KindBadConfig, fmt.Sprintf("configuration key %q is not settable", key))
		}
		return nil
	}
	return errs.New(errs.KindBadConfig, fmt.Sprintf("unknown configuration key %q", key))
}
