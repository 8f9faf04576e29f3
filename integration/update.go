package integration

import (
	"context"
	"fmt"
	"github.com/XANi/ecos2mqtt/coordinator"
	"github.com/XANi/ecos2mqtt/ecos"
	"go.uber.org/zap"
	"sort"
)

// Update fetches the current measurements and device list and reshapes them into a Snapshot
func Update(ctx context.Context, client Client, log *zap.SugaredLogger) (Snapshot, error) {
	snap, err := update(ctx, client, log)
	if err != nil && ecos.IsEcosError(err) {
		return nil, fmt.Errorf("%w: error communicating with API: %w", coordinator.ErrUpdateFailed, err)
	}
	return snap, err
}

func update(ctx context.Context, client Client, log *zap.SugaredLogger) (Snapshot, error) {
	if !client.IsAuthenticated() {
		log.Warn("ecactusecos is unauthenticated, reauthenticating")
		if err := client.Authenticate(ctx); err != nil {
			return nil, err
		}
	}
	// device list first so per device measurements cover devices added since the last poll
	if err := client.DeviceOverview(ctx); err != nil {
		return nil, err
	}
	measurements, err := client.CurrentMeasurements(ctx)
	if err != nil {
		return nil, err
	}
	result := Snapshot{}
	for _, st := range ecos.SourceTypes {
		result[st] = Values{SensorTypeRate: rate(log, measurements, st)}
	}
	for _, dev := range sortedDevices(client.Devices()) {
		if dev.Alias == "" {
			continue
		}
		for _, st := range ecos.SourceTypes {
			key := ecos.DeviceKey(dev.Alias, st)
			result[key] = Values{SensorTypeRate: rate(log, measurements, key)}
		}
	}
	return result, nil
}

func rate(log *zap.SugaredLogger, measurements map[string]float64, key string) *float64 {
	v, ok := measurements[key]
	if !ok {
		log.Errorf("source type %s not present in %v", key, measurements)
		return nil
	}
	return &v
}

func sortedDevices(devices map[string]ecos.Device) []ecos.Device {
	out := make([]ecos.Device, 0, len(devices))
	for _, d := range devices {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
