package bootstrap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"

	"github.com/dep2p/go-overlay/pkg/interfaces"
	"github.com/dep2p/go-overlay/internal/core/netaddr"
)

func TestModule(t *testing.T) {
	var master *PeerCreator
	app := fxtest.New(t,
		fx.Supply(testConfig()),
		fx.Provide(func() interfaces.InterfaceDiscoverer { return netaddr.Static(loopback) }),
		Module(),
		fx.Populate(&master),
	)
	app.RequireStart()
	assert.NotNil(t, master)
	assert.True(t, master.IsMaster())
	assert.False(t, master.IsShutdown())

	app.RequireStop()
	assert.True(t, master.IsShutdown())
}
