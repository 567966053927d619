package rtm

import (
	"context"

	"github.com/google/uuid"

	"github.com/rtmkit/rtm-go/protocol"
)

const deviceTypeGo = "go"

// Installation identifies this device to the push service.
type Installation struct {
	ID          string
	DeviceToken string
	DeviceType  string
	Channels    []string
}

// NewInstallation returns an installation with a fresh random id.
func NewInstallation(deviceToken string) *Installation {
	return &Installation{
		ID:          uuid.NewString(),
		DeviceToken: deviceToken,
		DeviceType:  deviceTypeGo,
	}
}

// PushManager registers the client's installation so offline pushes reach
// the device.
type PushManager struct {
	c *Client
}

// SaveInstallation uploads the installation the client was created with.
// The client id is added to the installation's channels when subscribe is
// set and removed otherwise.
func (p *PushManager) SaveInstallation(ctx context.Context, subscribe bool) (*protocol.Installation, error) {
	inst := p.c.installation
	if inst == nil {
		return nil, invalidArgument("client has no installation")
	}
	if inst.DeviceToken == "" {
		return nil, invalidArgument("installation has no device token")
	}

	return runSerial(ctx, p.c.queue, func(ctx context.Context) (*protocol.Installation, error) {
		var channels []string
		for _, ch := range inst.Channels {
			if ch != p.c.id {
				channels = append(channels, ch)
			}
		}
		if subscribe {
			channels = append(channels, p.c.id)
		}

		deviceType := inst.DeviceType
		if deviceType == "" {
			deviceType = deviceTypeGo
		}
		body := protocol.Installation{
			InstallationID: inst.ID,
			DeviceType:     deviceType,
			DeviceToken:    inst.DeviceToken,
			Channels:       channels,
		}

		data, err := p.c.app.doRequest(ctx, "POST", protocol.InstallationsPath, body, nil, nil)
		if err != nil {
			return nil, err
		}
		saved, err := decodeJSON[protocol.Installation](data)
		if err != nil {
			return nil, err
		}
		inst.Channels = channels
		p.c.log.Info("installation saved", "installationId", inst.ID, "subscribed", subscribe)
		return saved, nil
	})
}
