package logger

import (
	"time"

	"go.uber.org/zap"
)

// Campos estándar del dominio. Nunca loguear tokens ni material de claves:
// estos helpers existen para que el resto del código no construya campos
// ad hoc con valores sensibles.

// CorrelationID crea un campo para el ID de correlación del request.
func CorrelationID(v string) zap.Field {
	return zap.String("correlation_id", v)
}

// Provider crea un campo para el provider OAuth.
func Provider(v string) zap.Field {
	return zap.String("provider", v)
}

// UserID crea un campo para el ID del usuario local.
func UserID(v string) zap.Field {
	return zap.String("user_id", v)
}

// SubjectID crea un campo para el subject ID del provider.
func SubjectID(v string) zap.Field {
	return zap.String("provider_subject_id", v)
}

// KeyVersion crea un campo para la versión de clave de cifrado.
func KeyVersion(v int) zap.Field {
	return zap.Int("key_version", v)
}

// Op crea un campo para la operación actual.
func Op(v string) zap.Field {
	return zap.String("op", v)
}

// Layer crea un campo para la capa (handler, vault, store).
func Layer(v string) zap.Field {
	return zap.String("layer", v)
}

// Component crea un campo para el componente/módulo.
func Component(v string) zap.Field {
	return zap.String("component", v)
}

// Err crea un campo para un error.
func Err(err error) zap.Field {
	return zap.Error(err)
}

// Duration crea un campo para una duración.
func Duration(v time.Duration) zap.Field {
	return zap.Duration("duration", v)
}

// Status crea un campo para el status code HTTP.
func Status(v int) zap.Field {
	return zap.Int("status", v)
}

// Method crea un campo para el método HTTP.
func Method(v string) zap.Field {
	return zap.String("method", v)
}

// Path crea un campo para el path del request.
func Path(v string) zap.Field {
	return zap.String("path", v)
}

// Count crea un campo para un conteo.
func Count(v int) zap.Field {
	return zap.Int("count", v)
}

// String crea un campo string genérico.
func String(key, v string) zap.Field {
	return zap.String(key, v)
}

// Int crea un campo int genérico.
func Int(key string, v int) zap.Field {
	return zap.Int(key, v)
}

// Bool crea un campo bool genérico.
func Bool(key string, v bool) zap.Field {
	return zap.Bool(key, v)
}
