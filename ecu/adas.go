package ecu

const (
	ADASConfidenceMin      = 95.0
	ADASConfidenceMax      = 100.0
	ADASConfidenceFaultMin = 0.0
	ADASConfidenceFaultMax = 15.0
)

// NewADASProfile returns the tracking confidence signal of one
// driver-assistance sensor module, named "<module>_confidence".
func NewADASProfile(module string) Profile {
	return Profile{
		Kind: ECUKindADAS,
		Signals: []SignalProfile{
			{
				Name:     module + "_" + ClassConfidence,
				Class:    ClassConfidence,
				Unit:     "%",
				Min:      ADASConfidenceMin,
				Max:      ADASConfidenceMax,
				FaultMin: ADASConfidenceFaultMin,
				FaultMax: ADASConfidenceFaultMax,
			},
		},
	}
}
