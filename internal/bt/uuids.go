package bt

// Bluetooth Service and Characteristic UUIDs for the CSC profile
const (
	// Cycling Speed and Cadence Service (CSC)
	ServiceUUIDCyclingSpeedCadence = "00001816-0000-1000-8000-00805f9b34fb"
	CharUUIDCSCMeasurement         = "00002a5b-0000-1000-8000-00805f9b34fb"
	CharUUIDCSCFeature             = "00002a5c-0000-1000-8000-00805f9b34fb"
)

// CSC Feature characteristic bits
const (
	cscFeatureWheelRevolutionData = 1 << 0 // Bit 0: Wheel Revolution Data Supported
	cscFeatureCrankRevolutionData = 1 << 1 // Bit 1: Crank Revolution Data Supported
)
