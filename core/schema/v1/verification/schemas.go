package verification

import _ "embed"

//go:embed schemas/verification_response.schema.json
var ResponseSchema []byte

//go:embed schemas/refresh_response.schema.json
var RefreshResponseSchema []byte

//go:embed schemas/capability_report_response.schema.json
var CapabilityReportResponseSchema []byte

//go:embed schemas/decision_record.schema.json
var DecisionRecordSchema []byte

//go:embed schemas/registration_response.schema.json
var RegistrationResponseSchema []byte

//go:embed schemas/target_registration_response.schema.json
var TargetRegistrationResponseSchema []byte
