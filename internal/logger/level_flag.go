package logger

import (
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var levelStrings = map[string]zapcore.Level{
	"debug": zap.DebugLevel,
	"info":  zap.InfoLevel,
	"error": zap.ErrorLevel,
}

// LevelFlagValue is a pflag.Value that sets a log level.
type LevelFlagValue struct {
	onLevel func(zapcore.Level)
	value   string
}

// NewLevelFlagValue returns a flag value calling onLevel whenever it is set.
func NewLevelFlagValue(onLevel func(zapcore.Level)) LevelFlagValue {
	return LevelFlagValue{onLevel: onLevel}
}

// ParseLevel parses a level name or a positive verbosity number.
func ParseLevel(value string) (zapcore.Level, error) {
	if level, ok := levelStrings[strings.ToLower(value)]; ok {
		return level, nil
	}

	v, err := strconv.Atoi(value)
	if err != nil || v <= 0 || v > 127 {
		return zapcore.InfoLevel, fmt.Errorf("invalid log level %q", value)
	}

	// zap levels run the opposite way to logr verbosity.
	return zapcore.Level(int8(-v)), nil
}

func (lfv *LevelFlagValue) Set(flagValue string) error {
	level, err := ParseLevel(flagValue)
	if err != nil {
		return err
	}
	lfv.onLevel(level)
	lfv.value = flagValue
	return nil
}

func (lfv *LevelFlagValue) String() string {
	return lfv.value
}

func (*LevelFlagValue) Type() string {
	return "level"
}
