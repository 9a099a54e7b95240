// Package softphone реализует ядро управления вызовами многолинейного
// софтфона: реестр сессий, конечный автомат состояния вызова, пул линий
// с автоматическим удержанием при переключении, контроль допуска новых
// вызовов и координатор переводов (слепых и сопровождаемых).
//
// Ядро не знает о сигнальном протоколе: вся связь с внешним миром идет
// через интерфейс Transport (исходящие запросы) и EventHandler (входящие
// события). Готовый SIP-адаптер живет в пакете siptransport.
//
// Модель параллелизма: один мьютекс Engine сериализует все мутации
// состояния. Запросы к транспорту выполняются в горутинах вне мьютекса,
// а их исход применяется к состоянию повторным входом под мьютекс. Пока
// запрос в полете, сессия помечена флагом pending и повторные операции
// того же рода отклоняются с ошибкой категории CONFLICT.
//
// Базовое использование:
//
//	engine := softphone.New(transport,
//		softphone.WithLineCount(3),
//		softphone.WithLogger(logger),
//	)
//	transport.SetEventHandler(engine)
//
//	events, unsubscribe := engine.Subscribe(64)
//	defer unsubscribe()
//
//	sessionID, err := engine.Dial("sip:alice@example.com")
//	if err != nil {
//		// ErrAllLinesBusy: все линии заняты, транспорт не вызывался
//	}
//
//	// ... по событию SessionStateChanged(Established):
//	_ = engine.Hold(sessionID)
//	_ = engine.SelectLine(2) // активный вызов на прежней линии уходит на удержание
package softphone
