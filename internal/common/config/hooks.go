package config

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

var CustomHooks = []viper.DecoderConfigOption{
	viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		ByteSizeDecodeHook(),
		mapstructure.StringToTimeDurationHookFunc(),
	)),
}

// ByteSize is a byte count that can be given in config as a plain integer or
// as a human readable string such as "512Mi" or "2Gi".
type ByteSize uint64

// ByteSizeDecodeHook parses strings like "512Mi", "64M" or "1Gi" into a
// ByteSize. Plain numbers are taken as bytes.
func ByteSizeDecodeHook() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if t != reflect.TypeOf(ByteSize(0)) {
			return data, nil
		}
		switch f.Kind() {
		case reflect.String:
			return ParseByteSize(data.(string))
		case reflect.Int, reflect.Int64, reflect.Float64:
			return data, nil
		default:
			return data, nil
		}
	}
}

var byteSuffixes = []struct {
	suffix     string
	multiplier uint64
}{
	{"Gi", 1 << 30},
	{"Mi", 1 << 20},
	{"Ki", 1 << 10},
	{"G", 1_000_000_000},
	{"M", 1_000_000},
	{"K", 1_000},
	{"B", 1},
}

func ParseByteSize(s string) (ByteSize, error) {
	s = strings.TrimSpace(s)
	for _, candidate := range byteSuffixes {
		if strings.HasSuffix(s, candidate.suffix) {
			value, err := strconv.ParseFloat(strings.TrimSuffix(s, candidate.suffix), 64)
			if err != nil {
				return 0, fmt.Errorf("cannot parse byte size %q: %v", s, err)
			}
			return ByteSize(value * float64(candidate.multiplier)), nil
		}
	}
	value, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("cannot parse byte size %q: %v", s, err)
	}
	return ByteSize(value), nil
}
