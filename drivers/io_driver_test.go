package drivers

import "testing"

func TestDriverNames(t *testing.T) {

	t.Run("GpIO", func(t *testing.T) {
		gp := GpIO{}
		got := gp.String()
		want := "gpio"

		if got != want {
			t.Errorf("got %s want %s", got, want)
		}
	})

	t.Run("PeriphIO", func(t *testing.T) {
		pio := PeriphIO{}
		got := pio.String()
		want := "periphio"

		if got != want {
			t.Errorf("got %s want %s", got, want)
		}
	})

	t.Run("McpIO", func(t *testing.T) {
		mcp := McpIO{BusNo: 3, DevNo: 5}
		got := mcp.String()
		want := "mcpio"

		if got != want {
			t.Errorf("got %s want %s", got, want)
		}
	})

	t.Run("RemoteIO", func(t *testing.T) {
		rio := RemoteIO{}
		got := rio.String()
		want := "remoteio"

		if got != want {
			t.Errorf("got %s want %s", got, want)
		}
	})

	t.Run("RemoteIO named", func(t *testing.T) {
		rio := RemoteIO{DriverName: "garage_remote"}
		got := rio.String()
		want := "garage_remote"

		if got != want {
			t.Errorf("got %s want %s", got, want)
		}
	})

	t.Run("RemoteIoSlave", func(t *testing.T) {
		ris := RemoteIoSlave{}
		got := ris.String()
		want := "remoteio_slave"

		if got != want {
			t.Errorf("got %s want %s", got, want)
		}
	})

	t.Run("MockIoDriver", func(t *testing.T) {
		md := MockIoDriver{}
		got := md.String()
		want := "mock_driver"

		if got != want {
			t.Errorf("got %s want %s", got, want)
		}
	})
}

func TestMapAllIoDrivers(t *testing.T) {
	mapped := MapAllIoDrivers()

	for _, name := range []string{"gpio", "periphio", "mcpio", "remoteio", "remoteio_slave", "mock_driver"} {
		driver, found := mapped[name]
		if !found {
			t.Errorf("driver %s missing from map", name)
			continue
		}
		if driver.String() != name {
			t.Errorf("driver mapped under %s reports name %s", name, driver.String())
		}
		if driver.IsReady() {
			t.Errorf("driver %s ready before Setup", name)
		}
	}
}
