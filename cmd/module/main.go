package main

import (
	"fautest"

	"go.viam.com/rdk/components/sensor"
	"go.viam.com/rdk/module"
	"go.viam.com/rdk/resource"
	generic "go.viam.com/rdk/services/generic"
)

func main() {
	module.ModularMain(
		resource.APIModel{API: generic.API, Model: fautest.Sequencer},
		resource.APIModel{API: sensor.API, Model: fautest.StatusSensor},
		resource.APIModel{API: sensor.API, Model: fautest.HistorySensor},
	)
}
