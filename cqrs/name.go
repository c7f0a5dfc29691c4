package cqrs

import (
	"fmt"
	"strings"
)

// ObjectName returns the object name in format [package].[type name].
// It ignores if the value is a pointer or not.
func ObjectName(v interface{}) string {
	s := fmt.Sprintf("%T", v)
	s = strings.TrimLeft(s, "*")

	return s
}

// StructName returns the struct name in format [type name].
// It ignores if the value is a pointer or not.
func StructName(v interface{}) string {
	segments := strings.Split(fmt.Sprintf("%T", v), ".")

	return segments[len(segments)-1]
}

type namedMessage interface {
	Name() string
}

// MessageName returns the name of a command or query implementing
//
//	type namedMessage interface {
//		Name() string
//	}
//
// and falls back to ObjectName otherwise.
func MessageName(v interface{}) string {
	if v, ok := v.(namedMessage); ok {
		return v.Name()
	}

	return ObjectName(v)
}
