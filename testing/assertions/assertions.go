// Package assertions defines the shared checks behind the assert and require
// test packages. assert logs failures and continues, require aborts the test.
package assertions

import (
	"fmt"
	"reflect"
	"strings"
)

// AssertionTestingTB exposes enough of testing.TB for assertions to report
// failures without importing the testing package here.
type AssertionTestingTB interface {
	Errorf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})
}

// AssertionLoggerFn is either tb.Errorf or tb.Fatalf.
type AssertionLoggerFn func(format string, args ...interface{})

func formatMsg(def string, msg ...interface{}) string {
	if len(msg) == 0 {
		return def
	}
	if s, ok := msg[0].(string); ok {
		if len(msg) > 1 {
			return fmt.Sprintf(s, msg[1:]...)
		}
		return s
	}
	return def
}

// Equal compares values using ==.
func Equal(loggerFn AssertionLoggerFn, expected, actual interface{}, msg ...interface{}) {
	if expected != actual {
		loggerFn("%s, want: %[2]v (%[2]T), got: %[3]v (%[3]T)", formatMsg("Values are not equal", msg...), expected, actual)
	}
}

// NotEqual compares values using ==.
func NotEqual(loggerFn AssertionLoggerFn, expected, actual interface{}, msg ...interface{}) {
	if expected == actual {
		loggerFn("%s, both values are equal: %[2]v (%[2]T)", formatMsg("Values are equal", msg...), expected)
	}
}

// DeepEqual compares values using reflect.DeepEqual.
func DeepEqual(loggerFn AssertionLoggerFn, expected, actual interface{}, msg ...interface{}) {
	if !reflect.DeepEqual(expected, actual) {
		loggerFn("%s, want: %#v, got: %#v", formatMsg("Values are not equal", msg...), expected, actual)
	}
}

// NoError asserts that err is nil.
func NoError(loggerFn AssertionLoggerFn, err error, msg ...interface{}) {
	if err != nil {
		loggerFn("%s: %v", formatMsg("Unexpected error", msg...), err)
	}
}

// ErrorContains asserts that err is non-nil and contains want.
func ErrorContains(loggerFn AssertionLoggerFn, want string, err error, msg ...interface{}) {
	if err == nil || !strings.Contains(err.Error(), want) {
		loggerFn("%s, got: %v, want: %s", formatMsg("Expected error not returned", msg...), err, want)
	}
}

// NotNil asserts that obj is not nil.
func NotNil(loggerFn AssertionLoggerFn, obj interface{}, msg ...interface{}) {
	if isNil(obj) {
		loggerFn("%s", formatMsg("Unexpected nil value", msg...))
	}
}

// StringContains asserts that actual contains expected.
func StringContains(loggerFn AssertionLoggerFn, expected, actual string, msg ...interface{}) {
	if !strings.Contains(actual, expected) {
		loggerFn("%s, got: %s, want: %s", formatMsg("Expected string not found", msg...), actual, expected)
	}
}

func isNil(obj interface{}) bool {
	if obj == nil {
		return true
	}
	value := reflect.ValueOf(obj)
	switch value.Kind() {
	case reflect.Chan, reflect.Func, reflect.Interface, reflect.Map, reflect.Ptr, reflect.Slice:
		return value.IsNil()
	default:
		return false
	}
}
