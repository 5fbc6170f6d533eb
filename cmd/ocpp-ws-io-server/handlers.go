package main

import (
	"context"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/ocppio/ocpp-ws-io/rpc"
	"github.com/ocppio/ocpp-ws-io/rpcerr"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// bootNotificationReq and bootNotificationConf mirror the fields
// spec.md §8's scenario 1 exercises; a real station driver would
// generate these from the full OCPP 1.6 schema set, not hand-write
// them.
type bootNotificationReq struct {
	ChargePointModel  string `json:"chargePointModel"`
	ChargePointVendor string `json:"chargePointVendor"`
}

type bootNotificationConf struct {
	Status      string `json:"status"`
	CurrentTime string `json:"currentTime"`
	Interval    int    `json:"interval"`
}

type remoteStartTransactionReq struct {
	ConnectorID int    `json:"connectorId"`
	IDTag       string `json:"idTag"`
}

type remoteStartTransactionConf struct {
	Status string `json:"status"`
}

// registerHandlers wires the illustrative station-facing handlers this
// gateway answers. A production deployment would register one handler
// per OCPP action it implements; these three are enough to exercise
// the call/response, idempotency, and strict-mode paths spec.md §8
// names.
func registerHandlers(registry *rpc.Registry) {
	registry.On("BootNotification", handleBootNotification)
	registry.On("Heartbeat", handleHeartbeat)
	registry.On("RemoteStartTransaction", handleRemoteStartTransaction)
}

func handleBootNotification(_ context.Context, _ string, params []byte) (any, error) {
	var req bootNotificationReq
	if len(params) > 0 {
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, rpcerr.Wrap(rpcerr.FormatViolation, err, "malformed BootNotification params")
		}
	}
	return bootNotificationConf{
		Status:      "Accepted",
		CurrentTime: time.Now().UTC().Format(time.RFC3339),
		Interval:    300,
	}, nil
}

func handleHeartbeat(_ context.Context, _ string, _ []byte) (any, error) {
	return map[string]string{"currentTime": time.Now().UTC().Format(time.RFC3339)}, nil
}

func handleRemoteStartTransaction(_ context.Context, _ string, params []byte) (any, error) {
	var req remoteStartTransactionReq
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, rpcerr.Wrap(rpcerr.FormatViolation, err, "malformed RemoteStartTransaction params")
	}
	if req.IDTag == "" {
		return nil, rpcerr.New(rpcerr.OccurrenceConstraintViolation, "idTag is required")
	}
	return remoteStartTransactionConf{Status: "Accepted"}, nil
}
