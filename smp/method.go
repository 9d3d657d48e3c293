package smp

// Method selection tables indexed [initiator IO][responder IO], per the
// capability mapping both sides must compute identically. Secure
// connections adds numeric comparison where legacy falls back to just
// works.
var methodTableSC = [5][5]PairingMethod{
	// initiator DisplayOnly
	{MethodJustWorks, MethodJustWorks, MethodPasskeyResponderInputs, MethodJustWorks, MethodPasskeyResponderInputs},
	// initiator DisplayYesNo
	{MethodJustWorks, MethodNumericComparison, MethodPasskeyResponderInputs, MethodJustWorks, MethodNumericComparison},
	// initiator KeyboardOnly
	{MethodPasskeyInitiatorInputs, MethodPasskeyInitiatorInputs, MethodPasskeyBothInput, MethodJustWorks, MethodPasskeyInitiatorInputs},
	// initiator NoInputNoOutput
	{MethodJustWorks, MethodJustWorks, MethodJustWorks, MethodJustWorks, MethodJustWorks},
	// initiator KeyboardDisplay
	{MethodPasskeyInitiatorInputs, MethodNumericComparison, MethodPasskeyResponderInputs, MethodJustWorks, MethodNumericComparison},
}

var methodTableLegacy = [5][5]PairingMethod{
	{MethodJustWorks, MethodJustWorks, MethodPasskeyResponderInputs, MethodJustWorks, MethodPasskeyResponderInputs},
	{MethodJustWorks, MethodJustWorks, MethodPasskeyResponderInputs, MethodJustWorks, MethodJustWorks},
	{MethodPasskeyInitiatorInputs, MethodPasskeyInitiatorInputs, MethodPasskeyBothInput, MethodJustWorks, MethodPasskeyInitiatorInputs},
	{MethodJustWorks, MethodJustWorks, MethodJustWorks, MethodJustWorks, MethodJustWorks},
	{MethodPasskeyInitiatorInputs, MethodJustWorks, MethodPasskeyResponderInputs, MethodJustWorks, MethodJustWorks},
}

// selectMethod computes the pairing method from the exchanged features.
// Both sides evaluate the same function on the same inputs, so the result
// is symmetric by construction.
func selectMethod(sc bool, initOOB, rspOOB bool, initAuth, rspAuth byte, initIO, rspIO byte) PairingMethod {
	if sc {
		// with secure connections, OOB applies if either side has the
		// peer's data
		if initOOB || rspOOB {
			return MethodOOB
		}
	} else if initOOB && rspOOB {
		return MethodOOB
	}

	if initAuth&authReqMITM == 0 && rspAuth&authReqMITM == 0 {
		return MethodJustWorks
	}
	if initIO > IOCapKeyboardDisplay || rspIO > IOCapKeyboardDisplay {
		return MethodJustWorks
	}
	if sc {
		return methodTableSC[initIO][rspIO]
	}
	return methodTableLegacy[initIO][rspIO]
}
