package main

import (
	"github.com/ocppio/ocpp-ws-io/validate"
)

// registerSchemas compiles the handful of JSON Schemas needed to
// exercise strict mode (spec.md §8 scenario 6): RemoteStartTransaction
// requires idTag, so a request missing it is rejected before the
// handler ever runs.
func registerSchemas(v *validate.Registry) {
	must(v.Register(validate.SchemaID("RemoteStartTransaction", validate.Request), []byte(`{
		"type": "object",
		"properties": {
			"connectorId": {"type": "integer"},
			"idTag": {"type": "string", "maxLength": 20}
		},
		"required": ["idTag"]
	}`)))
	must(v.Register(validate.SchemaID("BootNotification", validate.Request), []byte(`{
		"type": "object",
		"properties": {
			"chargePointModel": {"type": "string"},
			"chargePointVendor": {"type": "string"}
		},
		"required": ["chargePointModel", "chargePointVendor"]
	}`)))
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}
