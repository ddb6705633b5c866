package property

// Well-known property and item names.
const (
	Connection   = "CONNECTION"
	Connected    = "CONNECTED"
	Disconnected = "DISCONNECTED"

	Info          = "INFO"
	DeviceName    = "DEVICE_NAME"
	DeviceVersion = "DEVICE_VERSION"

	Config       = "CONFIG"
	ConfigLoad   = "LOAD"
	ConfigSave   = "SAVE"
	ConfigRemove = "REMOVE"

	Simulation = "SIMULATION"

	CCDExposure      = "CCD_EXPOSURE"
	Exposure         = "EXPOSURE"
	CCDAbortExposure = "CCD_ABORT_EXPOSURE"
	AbortExposure    = "ABORT_EXPOSURE"
	CCDGain          = "CCD_GAIN"
	Gain             = "GAIN"
	CCDOffset        = "CCD_OFFSET"
	Offset           = "OFFSET"
	CCDImageFormat   = "CCD_IMAGE_FORMAT"
	FormatRaw        = "RAW"
	FormatFITS       = "FITS"
	FormatXISF       = "XISF"
	FormatJPEG       = "JPEG"
	CCDImage         = "CCD_IMAGE"
	Image            = "IMAGE"
	CCDFrameType     = "CCD_FRAME_TYPE"
	CCDUploadMode    = "CCD_UPLOAD_MODE"
	CCDCooler        = "CCD_COOLER"
	CCDTemperature   = "CCD_TEMPERATURE"
	Temperature      = "TEMPERATURE"
)
