package sdk

import "reflect"

// Symbols exposes this package to the yaegi interpreter under its import path.
var Symbols = map[string]map[string]reflect.Value{
	"hackium/pkg/sdk/sdk": {
		"StageRequest":   reflect.ValueOf(StageRequest),
		"StageResponse":  reflect.ValueOf(StageResponse),
		"RequestPattern": reflect.ValueOf((*RequestPattern)(nil)),
		"Request":        reflect.ValueOf((*Request)(nil)),
		"Response":       reflect.ValueOf((*Response)(nil)),
		"Event":          reflect.ValueOf((*Event)(nil)),
		"Host":           reflect.ValueOf((*Host)(nil)),
		"DebugFunc":      reflect.ValueOf((*DebugFunc)(nil)),

		"_Host": reflect.ValueOf((*_hackium_pkg_sdk_Host)(nil)),
	},
}

// _hackium_pkg_sdk_Host lets interpreted code satisfy Host.
type _hackium_pkg_sdk_Host struct {
	IValue   interface{}
	WVersion func() string
}

func (W _hackium_pkg_sdk_Host) Version() string { return W.WVersion() }
