// Package activities — встроенные activity воркера.
//
//   - http         — HTTP-запрос (HTTP)
//   - sleep        — ожидание с heartbeat'ами (LongRunning)
//   - transform    — рендеринг шаблонов над входными данными (Transform)
//
// Register добавляет все три в activity.Registry. Воркер может
// зарегистрировать рядом свои activity.
package activities
