package activities

import "errors"

// Ошибки встроенных activity.
var (
	// ErrInvalidInput — входные данные activity не разобраны или неполны.
	ErrInvalidInput = errors.New("invalid activity input")

	// ErrHTTPRequest — HTTP-запрос завершился ошибкой.
	ErrHTTPRequest = errors.New("http request failed")

	// ErrHTTPStatus — сервер ответил кодом >= 400.
	ErrHTTPStatus = errors.New("http error status")

	// ErrCanceledByRequest — activity завершена с ошибкой в ответ на отмену
	// (режим on_cancel=fail).
	ErrCanceledByRequest = errors.New("cancel activity request received")

	// ErrTemplateParse — ошибка парсинга шаблона.
	ErrTemplateParse = errors.New("template parse failed")

	// ErrTemplateRender — ошибка рендеринга шаблона.
	ErrTemplateRender = errors.New("template render failed")
)
