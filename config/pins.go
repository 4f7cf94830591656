package config

// Named GPIO lines. The hal package resolves these to hardware pins on the
// device build and to simulated pins on the host.
const (
	PinVbatGnd  = "VBAT_GND"     // enable battery sense divider
	PinGsmDcdc  = "GSM_DCDC"     // modem DC-DC converter
	PinGsmEn    = "GSM_EN"       // modem enable
	PinLsVcc    = "LS_VCC"       // level shifter supply
	Pin1V8En    = "_1V8_EN"      // 1.8 V rail
	PinGpsOnOff = "GPS_ON_OFF"   // GPS power toggle
	PinGpsOnInd = "GPS_ON_IND"   // GPS power indicator (input)
	PinUartSel  = "MSP_UART_SEL" // UART mux: low=modem, high=GPS
	PinLedRed   = "LED_RED"      // active low
	PinLedGreen = "LED_GREEN"    // active low
)
