package ecu

const (
	// Nominal Li-ion cell window and the sag injected as a cell fault.
	BMSCellVoltageMin      = 3.7
	BMSCellVoltageMax      = 4.1
	BMSCellVoltageFaultMin = 2.4
	BMSCellVoltageFaultMax = 2.6

	BMSCellTemperatureMin      = 25.0
	BMSCellTemperatureMax      = 35.0
	BMSCellTemperatureFaultMin = 80.0
	BMSCellTemperatureFaultMax = 95.0
)

// NewBMSProfile returns the battery management signals: cell voltage and
// pack temperature.
func NewBMSProfile() Profile {
	return Profile{
		Kind: ECUKindBMS,
		Signals: []SignalProfile{
			{
				Name:     ClassCellVoltage,
				Class:    ClassCellVoltage,
				Unit:     "V",
				Min:      BMSCellVoltageMin,
				Max:      BMSCellVoltageMax,
				FaultMin: BMSCellVoltageFaultMin,
				FaultMax: BMSCellVoltageFaultMax,
			},
			{
				Name:     ClassCellTemperature,
				Class:    ClassCellTemperature,
				Unit:     "C",
				Min:      BMSCellTemperatureMin,
				Max:      BMSCellTemperatureMax,
				FaultMin: BMSCellTemperatureFaultMin,
				FaultMax: BMSCellTemperatureFaultMax,
			},
		},
	}
}
