package config

import "errors"

// ErrConfigVersionTooNew is returned when a config file has a version
// newer than what this binary supports.
var ErrConfigVersionTooNew = errors.New("config version too new")
