package rtdb

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/voltageems/core/common"
)

// Key-naming helpers for the normative layout in spec §3. Keeping
// them in one place means every component formats the same key the
// same way.

func PointsHashKey(chanID uint16, t common.TelemetryType) string {
	return fmt.Sprintf("comsrv:%d:%s", chanID, t)
}

func TodoListKey(chanID uint16, t common.TelemetryType) string {
	return fmt.Sprintf("comsrv:%d:%s:TODO", chanID, t)
}

func ChannelPointsConfigKey(chanID uint16) string {
	return fmt.Sprintf("comsrv:config:channel:%d:points", chanID)
}

func InstanceMeasurementsKey(instID string) string {
	return fmt.Sprintf("inst:%s:M", instID)
}

func InstanceActionsKey(instID string) string {
	return fmt.Sprintf("inst:%s:A", instID)
}

func InstanceNameKey(instID string) string {
	return fmt.Sprintf("inst:%s:name", instID)
}

const (
	RouteC2MKey = "route:c2m"
	RouteM2CKey = "route:m2c"
)

func RuleStateKey(ruleID int64, fn, variable string) string {
	return fmt.Sprintf("state:%d:%s:%s", ruleID, fn, variable)
}

// PointChannelTopic is the pub/sub channel carrying raw point
// batches for one (chan, telemetry-type) pair.
func PointChannelTopic(chanID uint16, t common.TelemetryType) string {
	return fmt.Sprintf("%d:%s", chanID, t)
}

// InstanceTopic is the pub/sub channel carrying materialized instance
// updates.
func InstanceTopic(instID string) string {
	return fmt.Sprintf("inst:%s", instID)
}

// C2MField / M2CField format the field names used in the two
// routing-table hashes.
func C2MField(chanID uint16, t common.TelemetryType, pointID uint32) string {
	return fmt.Sprintf("%d:%s:%d", chanID, t, pointID)
}

func M2CValue(instID string, measurementID string) string {
	return fmt.Sprintf("%s:%s", instID, measurementID)
}

// ParsePointKey parses the "<chan>:<T>:<pid>" form used as both the
// route:c2m field name and the route:m2c value.
func ParsePointKey(s string) (chanID uint16, t common.TelemetryType, pointID uint32, err error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 {
		return 0, 0, 0, fmt.Errorf("malformed point key %q", s)
	}
	c, err := strconv.ParseUint(parts[0], 10, 16)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("malformed point key %q: %w", s, err)
	}
	t, err = common.ParseTelemetryType(parts[1])
	if err != nil {
		return 0, 0, 0, err
	}
	pid, err := strconv.ParseUint(parts[2], 10, 32)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("malformed point key %q: %w", s, err)
	}
	return uint16(c), t, uint32(pid), nil
}

// SplitInstField splits the "<inst>:<field>" form used for
// inst:<id>:M/:A field identity and m2c keys, at the last ':', so an
// instance id may contain ':' but a field name may not.
func SplitInstField(s string) (instID, field string, ok bool) {
	i := strings.LastIndexByte(s, ':')
	if i < 0 {
		return "", "", false
	}
	return s[:i], s[i+1:], true
}
