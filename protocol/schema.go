package protocol

// Required top-level keys per action. Validation is structural only: key
// presence, never value types or ranges.
var actionKeys = map[string][]string{
	ActionAuth:       {KeyAction, KeyTime, KeyUser},
	ActionPresence:   {KeyAction, KeyTime, KeyUser},
	ActionProbe:      {KeyAction, KeyTime},
	ActionQuit:       {KeyAction, KeyTime},
	ActionMsg:        {KeyAction, KeyTime, KeyFrom, KeyTo, KeyMessage, KeyEncoding},
	ActionJoin:       {KeyAction, KeyTime, KeyRoom},
	ActionLeave:      {KeyAction, KeyTime, KeyRoom},
	ActionContacts:   {KeyAction, KeyTime, KeyAccountName},
	ActionAddContact: {KeyAction, KeyTime, KeyAccountName, KeyContact},
	ActionDelContact: {KeyAction, KeyTime, KeyAccountName, KeyContact},
}

// Required keys of the nested "user" object, for actions that carry one.
var userKeys = map[string][]string{
	ActionAuth:     {KeyAccountName, KeyPassword},
	ActionPresence: {KeyAccountName, KeyStatus},
}

// Required keys per response severity class.
var responseKeys = map[string][]string{
	KeyAlert: {KeyResponse, KeyAlert, KeyTime},
	KeyError: {KeyResponse, KeyError, KeyTime},
}

// Validate checks v against the schema for its action or response class.
// It returns ErrNotAMapping for non-object input, a *MissingFieldsError when
// required keys are absent, and ErrMalformedPayload when the discriminant is
// missing or unknown, or the nested user structure is not an object.
func Validate(v any) error {
	var msg Message
	switch m := v.(type) {
	case Message:
		msg = m
	case map[string]any:
		msg = Message(m)
	default:
		return ErrNotAMapping
	}

	if action, ok := msg[KeyAction]; ok {
		name, _ := action.(string)
		required, known := actionKeys[name]
		if !known {
			return ErrMalformedPayload
		}
		if err := checkKeys(name, required, msg); err != nil {
			return err
		}
		if nested, ok := userKeys[name]; ok {
			user := msg.User()
			if user == nil {
				return ErrMalformedPayload
			}
			return checkKeys(name, nested, user)
		}
		return nil
	}

	if _, ok := msg[KeyResponse]; ok {
		kind := KeyAlert
		if code := msg.Response(); code >= 400 && code < 600 {
			kind = KeyError
		}
		return checkKeys(kind, responseKeys[kind], msg)
	}

	return ErrMalformedPayload
}

func checkKeys(kind string, required []string, msg Message) error {
	var missing []string
	for _, key := range required {
		if _, ok := msg[key]; !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return &MissingFieldsError{Kind: kind, Missing: missing}
	}
	return nil
}
